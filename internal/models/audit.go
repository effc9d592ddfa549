package models

import "time"

// Типы записей истории движений. Значения совпадают с полем tipo,
// которое показывает дашборд.
const (
	AuditKindScan        = "escaneo"
	AuditKindStatus      = "status"
	AuditKindDestination = "destino"
	AuditKindBoxCount    = "numeroCajas"
	AuditKindTruckLimit  = "limiteCamion"
	AuditKindRemoval     = "eliminacion"
	AuditKindUser        = "usuario"
)

type AuditEntry struct {
	Timestamp time.Time `json:"fechaHora"`
	DockID    *int      `json:"anden"`
	Kind      string    `json:"tipo"`
	Code      string    `json:"codigo"`
	Actor     string    `json:"usuario"`
	Note      string    `json:"info,omitempty"`
}
