// Package dataset loads the CSV extracts behind each project and derives the
// typed records the dashboards aggregate.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Frame is a CSV file with trimmed cells, kept for raw exports.
type Frame struct {
	Header  []string
	Records [][]string
}

func (f *Frame) col(name string) int {
	for i, h := range f.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

type row []string

func (r row) get(idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return r[idx]
}

// ReadFrame decodes a CSV document. Input that is not valid UTF-8 is decoded
// as Windows-1252, the encoding spreadsheet exports use on Spanish locales.
func ReadFrame(r io.Reader) (*Frame, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("decode csv: %w", err)
		}
		raw = decoded
	}

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Frame{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	f := &Frame{Header: trimAll(header)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		f.Records = append(f.Records, trimAll(rec))
	}
	return f, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

// Victim is one person named in a declaration. Several victims can share an
// AttentionID.
type Victim struct {
	AttentionID       string
	Document          string
	DeclaredAt        time.Time
	Year              int
	Month             int
	Origin            string
	Municipality      string
	Neighbourhood     string
	Act               string
	Responsible       string
	Gender            string
	Age               int
	HasAge            bool
	DifferentialFocus string
}

const (
	OriginIntermunicipal = "INTERMUNICIPAL"
	OriginIntraurban     = "INTRAURBANO"
	ActDisplacement      = "Desplazamiento forzado"
)

// Location is the place field that matters for the victim's origin.
func (v Victim) Location() string {
	if v.Origin == OriginIntraurban {
		return v.Neighbourhood
	}
	return v.Municipality
}

func VictimsFromFrame(f *Frame) []Victim {
	var (
		cID      = f.col("id_atencion")
		cDoc     = f.col("documento_anonimizado")
		cDate    = f.col("fecha_declaracion")
		cOrigin  = f.col("origen_hecho")
		cMun     = f.col("municipio_procede")
		cBarrio  = f.col("barrio_procede")
		cAct     = f.col("hecho_victimizante")
		cResp    = f.col("presunto_responsable")
		cGender  = f.col("genero")
		cAge     = f.col("edad")
		cEnfoque = f.col("enfoque_diferencial")
	)

	out := make([]Victim, 0, len(f.Records))
	for _, rec := range f.Records {
		r := row(rec)
		v := Victim{
			AttentionID:       r.get(cID),
			Document:          r.get(cDoc),
			Origin:            strings.ToUpper(r.get(cOrigin)),
			Municipality:      r.get(cMun),
			Neighbourhood:     r.get(cBarrio),
			Act:               r.get(cAct),
			Responsible:       r.get(cResp),
			Gender:            r.get(cGender),
			DifferentialFocus: r.get(cEnfoque),
		}
		if t, ok := ParseDate(r.get(cDate)); ok {
			v.DeclaredAt = t
			v.Year = t.Year()
			v.Month = int(t.Month())
		}
		if age, ok := parseNumber(r.get(cAge)); ok && age >= 0 {
			v.Age = int(age)
			v.HasAge = true
		}
		out = append(out, v)
	}
	return out
}

func ParseVictims(r io.Reader) ([]Victim, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return VictimsFromFrame(f), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2/1/2006",
}

// ParseDate accepts the date layouts seen in the declaration extracts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Attention is one row of the staff productivity summary. Times are minutes.
type Attention struct {
	Staff         string
	AttentionType string
	Service       string
	Area          string
	Office        string
	Status        string
	Population    string
	Weekday       string
	Cases         int
	AvgTime       float64
	TotalTime     float64
	MinTime       float64
	MaxTime       float64
}

func AttentionsFromFrame(f *Frame) []Attention {
	var (
		cStaff   = f.col("funcionario_atendio")
		cType    = f.col("tipo_atencion")
		cService = f.col("servicio")
		cArea    = f.col("area")
		cOffice  = f.col("sede")
		cStatus  = f.col("estado")
		cPop     = f.col("poblacion")
		cDay     = f.col("dia_semana")
		cCases   = f.col("cantidad_casos")
		cAvg     = f.col("tiempo_promedio")
		cTotal   = f.col("tiempo_total_dedicado")
		cMin     = f.col("tiempo_minimo")
		cMax     = f.col("tiempo_maximo")
	)

	out := make([]Attention, 0, len(f.Records))
	for _, rec := range f.Records {
		r := row(rec)
		a := Attention{
			Staff:         r.get(cStaff),
			AttentionType: r.get(cType),
			Service:       r.get(cService),
			Area:          r.get(cArea),
			Office:        r.get(cOffice),
			Status:        r.get(cStatus),
			Population:    r.get(cPop),
			Weekday:       r.get(cDay),
			AvgTime:       ParseMinutes(r.get(cAvg)),
			TotalTime:     ParseMinutes(r.get(cTotal)),
			MinTime:       ParseMinutes(r.get(cMin)),
			MaxTime:       ParseMinutes(r.get(cMax)),
		}
		if n, ok := parseNumber(r.get(cCases)); ok && n > 0 {
			a.Cases = int(n)
		}
		out = append(out, a)
	}
	return out
}

func ParseAttentions(r io.Reader) ([]Attention, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return AttentionsFromFrame(f), nil
}

// ParseMinutes converts HH:MM:SS to minutes. Anything else is 0.
func ParseMinutes(s string) float64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0
		}
		v[i] = n
	}
	return float64(v[0]*60+v[1]) + float64(v[2])/60.0
}

// FormatMinutes renders minutes as HH:MM:SS.
func FormatMinutes(m float64) string {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return "00:00:00"
	}
	hours := int(m / 60)
	mins := int(math.Mod(m, 60))
	secs := int((m - math.Floor(m)) * 60)
	return fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
