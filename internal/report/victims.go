package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/dataset"
)

var ErrInvalidFilter = errors.New("invalid filter value")

const (
	FilterOrigin   = "origin"
	FilterYear     = "year"
	FilterLocation = "location"

	allOption = "TODOS"
)

var monthNames = [...]string{
	"", "Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

type ageBand struct {
	label    string
	min, max int
}

var ageBands = []ageBand{
	{"0-17", 0, 17},
	{"18-28", 18, 28},
	{"29-40", 29, 40},
	{"41-60", 41, 60},
	{"60+", 61, 150},
}

// VictimsDashboard renders declaration/victim records of the armed conflict
// project.
type VictimsDashboard struct {
	data Data
}

func NewVictimsDashboard(data Data) *VictimsDashboard {
	return &VictimsDashboard{data: data}
}

type victimsView struct {
	origin        string
	originLabel   string
	locationLabel string
	filters       []Filter

	rows   []dataset.Victim
	years  []int
	byYear map[int][]dataset.Victim
}

func originLabels(origin string) (string, string) {
	if origin == dataset.OriginIntraurban {
		return "INTRAURBANO (Dentro de Medellín)", "Dentro de Medellín"
	}
	return "INTERMUNICIPAL (Fuera de Medellín)", "Municipios fuera de Medellín"
}

func newVictimsView(all []dataset.Victim, q Query) (*victimsView, error) {
	origin := dataset.OriginIntermunicipal
	if sel := q.Get(FilterOrigin); sel != "" {
		switch v := upper(sel); v {
		case dataset.OriginIntermunicipal, dataset.OriginIntraurban:
			origin = v
		default:
			return nil, fmt.Errorf("%w: origin %q", ErrInvalidFilter, sel)
		}
	}

	year := 0
	if sel := q.Get(FilterYear); !isAll(sel) {
		y, err := strconv.Atoi(sel)
		if err != nil {
			return nil, fmt.Errorf("%w: year %q", ErrInvalidFilter, sel)
		}
		year = y
	}
	location := q.Get(FilterLocation)

	var (
		byOrigin  []dataset.Victim
		yearOpts  = map[int]struct{}{}
		locations = set{}
	)
	for _, v := range all {
		if v.Origin != origin {
			continue
		}
		byOrigin = append(byOrigin, v)
		if v.Year > 0 {
			yearOpts[v.Year] = struct{}{}
		}
		locations.add(v.Location())
	}

	view := &victimsView{origin: origin, byYear: make(map[int][]dataset.Victim)}
	view.originLabel, view.locationLabel = originLabels(origin)

	for _, v := range byOrigin {
		if year != 0 && v.Year != year {
			continue
		}
		if !isAll(location) && v.Location() != location {
			continue
		}
		view.rows = append(view.rows, v)
		if v.Year > 0 {
			if _, ok := view.byYear[v.Year]; !ok {
				view.years = append(view.years, v.Year)
			}
			view.byYear[v.Year] = append(view.byYear[v.Year], v)
		}
	}
	sort.Ints(view.years)

	years := make([]string, 0, len(yearOpts)+1)
	years = append(years, allOption)
	for _, y := range sortedInts(yearOpts) {
		years = append(years, strconv.Itoa(y))
	}
	selectedYear := allOption
	if year != 0 {
		selectedYear = strconv.Itoa(year)
	}
	selectedLocation := allOption
	if !isAll(location) {
		selectedLocation = location
	}

	view.filters = []Filter{
		{
			Name:     FilterOrigin,
			Label:    "Tipo de origen",
			Options:  []string{dataset.OriginIntermunicipal, dataset.OriginIntraurban},
			Selected: origin,
		},
		{Name: FilterYear, Label: "Año", Options: years, Selected: selectedYear},
		{
			Name:     FilterLocation,
			Label:    view.locationLabel,
			Options:  append([]string{allOption}, sortedKeys(locations)...),
			Selected: selectedLocation,
		},
	}
	return view, nil
}

func (d *VictimsDashboard) Build(ctx context.Context, p catalog.Project, q Query) (*Report, error) {
	all, err := d.data.Victims(ctx, p.DataFile)
	if err != nil {
		return nil, err
	}
	v, err := newVictimsView(all, q)
	if err != nil {
		return nil, err
	}

	return &Report{
		Project: p.ID,
		Title:   p.Name,
		Kind:    p.Kind,
		Filters: v.filters,
		Labels: map[string]string{
			"origin":   v.originLabel,
			"location": v.locationLabel,
			"active":   fmt.Sprintf("%s - %s | Total registros: %d", v.origin, v.locationLabel, len(v.rows)),
		},
		Summary: victimsSummary(all),
		Tabs: []Tab{
			v.generalTab(),
			v.locationsTab(),
			v.actsTab(),
			v.demographicsTab(),
			v.groupsTab(),
			v.displacementGroupsTab(),
			v.temporalTab(),
			v.treemapTab(),
		},
		Footer: v.footer(),
	}, nil
}

func (d *VictimsDashboard) Export(ctx context.Context, p catalog.Project, q Query) ([]Table, error) {
	rep, err := d.Build(ctx, p, q)
	if err != nil {
		return nil, err
	}
	var tables []Table
	for _, tab := range rep.Tabs {
		tables = append(tables, tab.Tables...)
	}
	return tables, nil
}

// victimsSummary covers the whole file regardless of filters.
func victimsSummary(all []dataset.Victim) []KPI {
	var inter, intra int
	var first, last string
	for _, v := range all {
		switch v.Origin {
		case dataset.OriginIntermunicipal:
			inter++
		case dataset.OriginIntraurban:
			intra++
		}
		if v.DeclaredAt.IsZero() {
			continue
		}
		d := v.DeclaredAt.Format("2006-01-02")
		if first == "" || d < first {
			first = d
		}
		if d > last {
			last = d
		}
	}
	out := []KPI{
		{Label: "Intermunicipal", Value: inter},
		{Label: "Intraurbano", Value: intra},
		{Label: "Total General", Value: len(all)},
	}
	if first != "" {
		out = append(out, KPI{Label: "Desde", Value: first}, KPI{Label: "Hasta", Value: last})
	}
	return out
}

func declarations(rows []dataset.Victim) int {
	ids := set{}
	for _, v := range rows {
		ids.add(v.AttentionID)
	}
	return len(ids)
}

func onlyDisplacement(rows []dataset.Victim) []dataset.Victim {
	var out []dataset.Victim
	for _, v := range rows {
		if v.Act == dataset.ActDisplacement {
			out = append(out, v)
		}
	}
	return out
}

// countBy counts rows per non-empty key.
func countBy(rows []dataset.Victim, key func(dataset.Victim) string) *counter {
	c := newCounter()
	for _, v := range rows {
		if k := key(v); k != "" {
			c.add(k, 1)
		}
	}
	return c
}

// declarationsBy counts distinct attention ids per non-empty key.
func declarationsBy(rows []dataset.Victim, key func(dataset.Victim) string) *counter {
	c := newCounter()
	seen := make(map[string]set)
	for _, v := range rows {
		k := key(v)
		if k == "" || v.AttentionID == "" {
			continue
		}
		ids, ok := seen[k]
		if !ok {
			ids = set{}
			seen[k] = ids
		}
		if _, dup := ids[v.AttentionID]; dup {
			continue
		}
		ids.add(v.AttentionID)
		c.add(k, 1)
	}
	return c
}

func shareTable(name, keyColumn string, pairs []pair, total int) Table {
	t := Table{Name: name, Columns: []string{keyColumn, "Cantidad", "Porcentaje"}}
	for _, p := range pairs {
		t.Rows = append(t.Rows, []any{p.Key, p.Count, percent(p.Count, total)})
	}
	return t
}

func (v *victimsView) generalTab() Tab {
	tab := Tab{ID: "general", Title: "Datos Generales"}
	comparison := Table{
		Name:    "Desplazamiento forzado por año",
		Columns: []string{"Año", "Declaraciones", "Personas"},
	}
	var monthly []Table
	for _, y := range v.years {
		rows := v.byYear[y]
		disp := onlyDisplacement(rows)
		tab.KPIs = append(tab.KPIs,
			KPI{Label: fmt.Sprintf("Declaraciones %d", y), Value: declarations(rows), Hint: "todos los motivos"},
			KPI{Label: fmt.Sprintf("Personas %d", y), Value: len(rows), Hint: "todos los motivos"},
			KPI{Label: fmt.Sprintf("Declaraciones desplazamiento %d", y), Value: declarations(disp)},
			KPI{Label: fmt.Sprintf("Personas desplazamiento %d", y), Value: len(disp)},
		)
		comparison.Rows = append(comparison.Rows, []any{strconv.Itoa(y), declarations(disp), len(disp)})
		monthly = append(monthly, monthlyTable(y, rows))
	}
	tab.Tables = append([]Table{comparison}, monthly...)
	return tab
}

func monthlyTable(year int, rows []dataset.Victim) Table {
	t := Table{
		Name:    fmt.Sprintf("Datos mensuales %d", year),
		Columns: []string{"Mes", "Nombre Mes", "Total Declaraciones", "Total Personas"},
	}
	var byMonth [13][]dataset.Victim
	for _, v := range rows {
		if v.Month >= 1 && v.Month <= 12 {
			byMonth[v.Month] = append(byMonth[v.Month], v)
		}
	}
	for m := 1; m <= 12; m++ {
		if len(byMonth[m]) == 0 {
			continue
		}
		t.Rows = append(t.Rows, []any{m, monthNames[m], declarations(byMonth[m]), len(byMonth[m])})
	}
	t.Rows = append(t.Rows, []any{"TOTAL", "", declarations(rows), len(rows)})
	return t
}

func (v *victimsView) locationsTab() Tab {
	tab := Tab{ID: "locations", Title: "Por Municipios/Barrios"}
	for _, y := range v.years {
		rows := v.byYear[y]
		top := declarationsBy(rows, dataset.Victim.Location).top(15)
		t := shareTable(fmt.Sprintf("Top 15 %s %d", v.locationLabel, y), "Ubicación", top, declarations(rows))
		t.Columns[1] = "Declaraciones"
		tab.Tables = append(tab.Tables, t)
	}
	return tab
}

func (v *victimsView) actsTab() Tab {
	tab := Tab{ID: "acts", Title: "Hechos Victimizantes"}
	for _, y := range v.years {
		rows := v.byYear[y]
		top := countBy(rows, func(r dataset.Victim) string { return r.Act }).top(20)
		tab.Tables = append(tab.Tables, shareTable(fmt.Sprintf("Hechos victimizantes %d", y), "Hecho victimizante", top, len(rows)))
	}
	return tab
}

func ageBandOf(age int) string {
	for _, b := range ageBands {
		if age >= b.min && age <= b.max {
			return b.label
		}
	}
	return ""
}

func (v *victimsView) demographicsTab() Tab {
	tab := Tab{ID: "demographics", Title: "Análisis Demográfico"}
	for _, y := range v.years {
		rows := v.byYear[y]

		gender := countBy(rows, func(r dataset.Victim) string { return r.Gender }).top(0)
		tab.Tables = append(tab.Tables, shareTable(fmt.Sprintf("Género %d", y), "Género", gender, len(rows)))

		ages := make(map[string]int, len(ageBands))
		for _, r := range rows {
			if !r.HasAge {
				continue
			}
			if band := ageBandOf(r.Age); band != "" {
				ages[band]++
			}
		}
		at := Table{Name: fmt.Sprintf("Grupos de edad %d", y), Columns: []string{"Grupo de edad", "Personas"}}
		for _, b := range ageBands {
			at.Rows = append(at.Rows, []any{b.label, ages[b.label]})
		}
		tab.Tables = append(tab.Tables, at)

		focus := countBy(rows, func(r dataset.Victim) string { return r.DifferentialFocus }).top(10)
		tab.Tables = append(tab.Tables, shareTable(fmt.Sprintf("Enfoque diferencial %d", y), "Enfoque diferencial", focus, len(rows)))
	}
	return tab
}

func (v *victimsView) groupsTab() Tab {
	tab := Tab{ID: "groups", Title: "Grupos Responsables (Todos)"}
	for _, y := range v.years {
		rows := v.byYear[y]
		top := countBy(rows, func(r dataset.Victim) string { return r.Responsible }).top(20)
		tab.Tables = append(tab.Tables, shareTable(fmt.Sprintf("Presuntos responsables %d", y), "Presunto responsable", top, len(rows)))
	}
	return tab
}

func (v *victimsView) displacementGroupsTab() Tab {
	tab := Tab{ID: "groups_displacement", Title: "Grupos (Solo Desplazamiento)"}
	for _, y := range v.years {
		rows := onlyDisplacement(v.byYear[y])
		top := countBy(rows, func(r dataset.Victim) string { return r.Responsible }).top(20)
		tab.Tables = append(tab.Tables, shareTable(fmt.Sprintf("Responsables desplazamiento %d", y), "Presunto responsable", top, len(rows)))
	}
	return tab
}

func (v *victimsView) temporalTab() Tab {
	tab := Tab{ID: "temporal", Title: "Tendencia Temporal"}
	periods := make(map[string][]dataset.Victim)
	var keys []string
	for _, r := range v.rows {
		if r.Year == 0 {
			continue
		}
		k := fmt.Sprintf("%04d-%02d", r.Year, r.Month)
		if _, ok := periods[k]; !ok {
			keys = append(keys, k)
		}
		periods[k] = append(periods[k], r)
	}
	sort.Strings(keys)

	t := Table{Name: "Casos por mes", Columns: []string{"Periodo", "Declaraciones", "Personas"}}
	for _, k := range keys {
		t.Rows = append(t.Rows, []any{k, declarations(periods[k]), len(periods[k])})
	}
	tab.Tables = append(tab.Tables, t)

	busiest, most := 0, -1
	for _, y := range v.years {
		if n := len(v.byYear[y]); n > most {
			busiest, most = y, n
		}
	}
	if most >= 0 {
		tab.KPIs = append(tab.KPIs, KPI{Label: "Año con más casos", Value: busiest})
	}
	return tab
}

func (v *victimsView) treemapTab() Tab {
	top := countBy(v.rows, dataset.Victim.Location).top(0)
	t := shareTable("Distribución geográfica", "Ubicación", top, len(v.rows))
	t.Columns[1] = "Casos"
	return Tab{ID: "treemap", Title: "Mapa de Ubicaciones", Tables: []Table{t}}
}

func (v *victimsView) footer() []KPI {
	locations, groups, acts := set{}, set{}, set{}
	var ageSum, ageN int
	for _, r := range v.rows {
		locations.add(r.Location())
		groups.add(r.Responsible)
		acts.add(r.Act)
		if r.HasAge {
			ageSum += r.Age
			ageN++
		}
	}
	locLabel := "Total Municipios"
	if v.origin == dataset.OriginIntraurban {
		locLabel = "Total Barrios"
	}
	return []KPI{
		{Label: locLabel, Value: len(locations)},
		{Label: "Grupos Identificados", Value: len(groups)},
		{Label: "Hechos Victimizantes", Value: len(acts)},
		{Label: "Edad Promedio", Value: round(ratio(float64(ageSum), float64(ageN)), 1)},
	}
}

func sortedInts(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
