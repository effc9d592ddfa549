package scans

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadKind — классификация сырого события по форме, а не по каналу.
type PayloadKind int

const (
	PayloadJSON PayloadKind = iota
	PayloadText
	PayloadBinary
)

const placeholder = "-"

// Normalized — канонический кортеж после разбора сырого события.
// Location может остаться пустым: дефолт "A{anden}" ставится уже после
// резолва целевого андена.
type Normalized struct {
	Kind PayloadKind

	Location   string
	PartNumber string
	PalletCode string
	BoxCount   *int // по-паллетное поле piezas, только если явно прислали

	// Сопутствующие поля уровня андена.
	DockID       int // anden из payload'а; 0 — не указан
	Destination  string
	DockBoxCount *int // numeroCajas
}

// jsonScan покрывает все алиасы полей, которые шлют сканеры и DataWedge.
type jsonScan struct {
	Anden        json.Number `json:"anden"`
	Ubicacion    string      `json:"ubicacion"`
	Location     string      `json:"location"`
	NumeroParte  string      `json:"numeroParte"`
	CodigoPallet string      `json:"codigoPallet"`
	Codigo       string      `json:"codigo"`
	Barcode      string      `json:"barcode"`
	Piezas       *int        `json:"piezas"`
	Destino      string      `json:"destino"`
	NumeroCajas  *float64    `json:"numeroCajas"`
}

// Normalize превращает сырой payload неизвестной формы в канонический кортеж.
// Никогда не падает на кривом входе: недостающие поля заполняются "-",
// и только нечитаемые (не JSON и не печатный ASCII) байты получают
// PayloadBinary — такой скан отбрасывается на уровне пайплайна.
func Normalize(raw []byte) Normalized {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Normalized{Kind: PayloadText, PalletCode: placeholder, PartNumber: placeholder}
	}

	// json.Valid, а не Decode: декодер молча принимает мусор после первого
	// значения, и "123ABC" превратился бы в число 123.
	if json.Valid(trimmed) {
		var any interface{}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		_ = dec.Decode(&any)
		switch v := any.(type) {
		case map[string]interface{}:
			return normalizeObject(trimmed)
		case string:
			return normalizeScalar(v)
		case json.Number:
			return normalizeScalar(v.String())
		case bool:
			return normalizeScalar(fmt.Sprintf("%v", v))
		default:
			// Массивы и null канонической формы не имеют — деградируем
			// до плейсхолдеров, как любой другой частичный вход.
			_ = v
			return Normalized{Kind: PayloadJSON, PalletCode: placeholder, PartNumber: placeholder}
		}
	}

	if isPrintableASCII(trimmed) {
		return normalizeScalar(string(trimmed))
	}
	return Normalized{Kind: PayloadBinary}
}

func normalizeObject(raw []byte) Normalized {
	var in jsonScan
	// Ошибки типов отдельных полей не фатальны: объект уже распарсился
	// как JSON, несовпавшие поля остаются пустыми.
	_ = json.Unmarshal(raw, &in)

	n := Normalized{Kind: PayloadJSON}

	n.Location = firstNonEmpty(in.Ubicacion, in.Location)
	n.PalletCode = firstNonEmpty(in.CodigoPallet, in.Codigo, in.Barcode)
	if n.PalletCode == "" {
		n.PalletCode = placeholder
	}
	n.PartNumber = in.NumeroParte
	if n.PartNumber == "" {
		n.PartNumber = n.PalletCode
	}
	n.BoxCount = in.Piezas
	n.Destination = in.Destino
	if in.NumeroCajas != nil {
		c := int(*in.NumeroCajas)
		n.DockBoxCount = &c
	}
	if in.Anden != "" {
		if id, err := in.Anden.Int64(); err == nil && id > 0 {
			n.DockID = int(id)
		}
	}
	return n
}

func normalizeScalar(s string) Normalized {
	code := strings.TrimSpace(s)
	if code == "" {
		code = placeholder
	}
	return Normalized{
		Kind:       PayloadText,
		PalletCode: code,
		PartNumber: code,
	}
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c == '\r' || c == '\n' || c == '\t' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
