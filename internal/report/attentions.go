package report

import (
	"context"
	"sort"
	"strings"

	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/dataset"
)

const (
	FilterOffice  = "sede"
	FilterStaff   = "funcionario"
	FilterService = "servicio"
	FilterArea    = "area"
	FilterStatus  = "estado"

	blankKey = "(sin dato)"
)

// Workbook sheet names of the attentions export.
const (
	SheetRawData  = "Datos Completos"
	SheetStaff    = "Funcionarios por Sede"
	SheetServices = "Servicios"
	SheetOffices  = "Resumen por Sede"
	SheetAreas    = "Resumen por Área"
)

type attentionFilter struct {
	name  string
	label string
	all   string
	field func(dataset.Attention) string
}

var attentionFilters = []attentionFilter{
	{FilterOffice, "Sede", "TODAS", func(a dataset.Attention) string { return a.Office }},
	{FilterStaff, "Funcionario", "TODOS", func(a dataset.Attention) string { return a.Staff }},
	{FilterService, "Servicio", "TODOS", func(a dataset.Attention) string { return a.Service }},
	{FilterArea, "Área", "TODAS", func(a dataset.Attention) string { return a.Area }},
	{FilterStatus, "Estado", "TODOS", func(a dataset.Attention) string { return a.Status }},
}

// AttentionsDashboard renders the staff productivity project.
type AttentionsDashboard struct {
	data Data
}

func NewAttentionsDashboard(data Data) *AttentionsDashboard {
	return &AttentionsDashboard{data: data}
}

type attentionsView struct {
	filters []Filter
	rows    []dataset.Attention
	// index of each kept row in the source frame
	index []int
}

func newAttentionsView(all []dataset.Attention, q Query) *attentionsView {
	view := &attentionsView{}
	selected := make([]string, len(attentionFilters))
	for i, f := range attentionFilters {
		opts := set{}
		for _, a := range all {
			opts.add(f.field(a))
		}
		sel := q.Get(f.name)
		if isAll(sel) {
			sel = f.all
		} else {
			selected[i] = sel
		}
		view.filters = append(view.filters, Filter{
			Name:     f.name,
			Label:    f.label,
			Options:  append([]string{f.all}, sortedKeys(opts)...),
			Selected: sel,
		})
	}

rows:
	for i, a := range all {
		for j, f := range attentionFilters {
			if selected[j] != "" && f.field(a) != selected[j] {
				continue rows
			}
		}
		view.rows = append(view.rows, a)
		view.index = append(view.index, i)
	}
	return view
}

func (d *AttentionsDashboard) load(ctx context.Context, p catalog.Project, q Query) (*attentionsView, error) {
	all, err := d.data.Attentions(ctx, p.DataFile)
	if err != nil {
		return nil, err
	}
	return newAttentionsView(all, q), nil
}

func (d *AttentionsDashboard) Build(ctx context.Context, p catalog.Project, q Query) (*Report, error) {
	v, err := d.load(ctx, p, q)
	if err != nil {
		return nil, err
	}
	return &Report{
		Project: p.ID,
		Title:   p.Name,
		Kind:    p.Kind,
		Filters: v.filters,
		Summary: v.kpis(),
		Tabs: []Tab{
			{ID: "staff", Title: "Funcionarios por Sede", Tables: []Table{v.staffTable()}},
			{ID: "services", Title: "Servicios Solicitados", Tables: []Table{v.servicesTable()}},
			{ID: "offices", Title: "Análisis por Sede", Tables: append([]Table{v.officesTable()}, v.officeStaffTables(10)...)},
			{ID: "areas", Title: "Análisis por Área", Tables: []Table{v.areasTable()}},
			{ID: "status", Title: "Estados y Calidad", Tables: []Table{v.statusTable(), v.populationTable()}},
			{ID: "summary", Title: "Resumen Ejecutivo", Tables: []Table{v.topStaffTable(), v.topServicesTable()}},
		},
	}, nil
}

// Export returns the raw filtered rows followed by the non-empty summaries.
func (d *AttentionsDashboard) Export(ctx context.Context, p catalog.Project, q Query) ([]Table, error) {
	v, err := d.load(ctx, p, q)
	if err != nil {
		return nil, err
	}
	frame, err := d.data.Frame(ctx, p.DataFile)
	if err != nil {
		return nil, err
	}

	raw := Table{Name: SheetRawData, Columns: append([]string(nil), frame.Header...)}
	for _, i := range v.index {
		if i >= len(frame.Records) {
			continue
		}
		rec := frame.Records[i]
		cells := make([]any, len(rec))
		for j, c := range rec {
			cells[j] = c
		}
		raw.Rows = append(raw.Rows, cells)
	}

	tables := []Table{raw}
	for _, t := range []Table{v.staffTable(), v.servicesTable(), v.officesTable(), v.areasTable()} {
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func (v *attentionsView) kpis() []KPI {
	var cases int
	var weighted, total float64
	staff, offices, services := set{}, set{}, set{}
	for _, a := range v.rows {
		cases += a.Cases
		weighted += a.AvgTime * float64(a.Cases)
		total += a.TotalTime
		staff.add(a.Staff)
		offices.add(a.Office)
		services.add(a.Service)
	}
	avg, hours := 0.0, 0.0
	if cases > 0 {
		avg = weighted / float64(cases)
		hours = total / 60
	}
	return []KPI{
		{Label: "Total Atenciones", Value: cases},
		{Label: "Tiempo Promedio (min)", Value: round(avg, 1)},
		{Label: "Tiempo Total (hrs)", Value: round(hours, 1)},
		{Label: "Funcionarios", Value: len(staff)},
		{Label: "Sedes Activas", Value: len(offices)},
		{Label: "Servicios", Value: len(services)},
	}
}

type group struct {
	keys     []string
	cases    int
	total    float64
	staff    set
	services set
	areas    set
	// first-seen order of distinct values
	serviceOrder []string
	officeOrder  []string
	statuses     *counter
}

func (g *group) avg() float64   { return round(ratio(g.total, float64(g.cases)), 2) }
func (g *group) hours() float64 { return round(g.total/60, 2) }

func keyOrBlank(s string) string {
	if s == "" {
		return blankKey
	}
	return s
}

// groupBy aggregates rows by the given fields, sorted by cases descending
// with ties in first-seen order.
func groupBy(rows []dataset.Attention, fields ...func(dataset.Attention) string) []*group {
	index := make(map[string]*group)
	var out []*group
	for _, a := range rows {
		keys := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = keyOrBlank(f(a))
		}
		id := strings.Join(keys, "\x00")
		g, ok := index[id]
		if !ok {
			g = &group{keys: keys, staff: set{}, services: set{}, areas: set{}, statuses: newCounter()}
			index[id] = g
			out = append(out, g)
		}
		g.cases += a.Cases
		g.total += a.TotalTime
		g.staff.add(a.Staff)
		g.areas.add(a.Area)
		if a.Service != "" {
			if _, seen := g.services[a.Service]; !seen {
				g.serviceOrder = append(g.serviceOrder, a.Service)
			}
			g.services.add(a.Service)
		}
		if a.Office != "" && !contains(g.officeOrder, a.Office) {
			g.officeOrder = append(g.officeOrder, a.Office)
		}
		if a.Status != "" {
			g.statuses.add(a.Status, 1)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].cases > out[j].cases })
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func firstN(list []string, n int) []string {
	if len(list) > n {
		return list[:n]
	}
	return list
}

func staffOf(a dataset.Attention) string   { return a.Staff }
func officeOf(a dataset.Attention) string  { return a.Office }
func serviceOf(a dataset.Attention) string { return a.Service }
func areaOf(a dataset.Attention) string    { return a.Area }

func (v *attentionsView) staffTable() Table {
	t := Table{
		Name: SheetStaff,
		Columns: []string{
			"Funcionario", "Sede", "Total Casos", "Tiempo Promedio (min)",
			"Tiempo Total (hrs)", "Servicios Principales", "Estado Más Común",
		},
	}
	for _, g := range groupBy(v.rows, staffOf, officeOf) {
		status := ""
		if top := g.statuses.top(1); len(top) > 0 {
			status = top[0].Key
		}
		t.Rows = append(t.Rows, []any{
			g.keys[0], g.keys[1], g.cases, g.avg(), g.hours(),
			strings.Join(firstN(g.serviceOrder, 5), ", "), status,
		})
	}
	return t
}

func (v *attentionsView) servicesTable() Table {
	t := Table{
		Name: SheetServices,
		Columns: []string{
			"Servicio", "Total Casos", "Tiempo Promedio (min)", "Tiempo Total (hrs)",
			"Funcionarios Involucrados", "Sedes",
		},
	}
	for _, g := range groupBy(v.rows, serviceOf) {
		t.Rows = append(t.Rows, []any{
			g.keys[0], g.cases, g.avg(), g.hours(), len(g.staff),
			strings.Join(firstN(g.officeOrder, 3), ", "),
		})
	}
	return t
}

func (v *attentionsView) officesTable() Table {
	t := Table{
		Name: SheetOffices,
		Columns: []string{
			"Sede", "Total Casos", "Funcionarios", "Servicios Únicos", "Áreas",
			"Tiempo Promedio (min)", "Tiempo Total (hrs)",
		},
	}
	for _, g := range groupBy(v.rows, officeOf) {
		t.Rows = append(t.Rows, []any{
			g.keys[0], g.cases, len(g.staff), len(g.services), len(g.areas), g.avg(), g.hours(),
		})
	}
	return t
}

// officeStaffTables breaks down the n busiest offices by staff member.
func (v *attentionsView) officeStaffTables(n int) []Table {
	offices := groupBy(v.rows, officeOf)
	var out []Table
	for _, office := range offices[:min(n, len(offices))] {
		var rows []dataset.Attention
		for _, a := range v.rows {
			if keyOrBlank(a.Office) == office.keys[0] {
				rows = append(rows, a)
			}
		}
		out = append(out, staffTotals("Funcionarios en "+office.keys[0], groupBy(rows, staffOf)))
	}
	return out
}

func staffTotals(name string, groups []*group) Table {
	t := Table{
		Name:    name,
		Columns: []string{"Funcionario", "Total Casos", "Tiempo Total (min)", "Tiempo Promedio (min)"},
	}
	for _, g := range groups {
		t.Rows = append(t.Rows, []any{g.keys[0], g.cases, round(g.total, 2), g.avg()})
	}
	return t
}

func (v *attentionsView) areasTable() Table {
	t := Table{
		Name: SheetAreas,
		Columns: []string{
			"Área", "Total Casos", "Funcionarios", "Servicios Únicos",
			"Tiempo Promedio (min)", "Tiempo Total (hrs)",
		},
	}
	for _, g := range groupBy(v.rows, areaOf) {
		t.Rows = append(t.Rows, []any{g.keys[0], g.cases, len(g.staff), len(g.services), g.avg(), g.hours()})
	}
	return t
}

func (v *attentionsView) statusTable() Table {
	t := Table{
		Name:    "Detalle por Estado",
		Columns: []string{"Estado", "Total Casos", "Tiempo Promedio (min)"},
	}
	groups := groupBy(v.rows, func(a dataset.Attention) string { return a.Status })
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].keys[0] < groups[j].keys[0] })
	for _, g := range groups {
		t.Rows = append(t.Rows, []any{g.keys[0], g.cases, g.avg()})
	}
	return t
}

func (v *attentionsView) populationTable() Table {
	t := Table{
		Name:    "Atenciones por Tipo de Población",
		Columns: []string{"Población", "Total Casos", "Tiempo Promedio (min)"},
	}
	groups := groupBy(v.rows, func(a dataset.Attention) string { return a.Population })
	for _, g := range groups[:min(10, len(groups))] {
		t.Rows = append(t.Rows, []any{g.keys[0], g.cases, g.avg()})
	}
	return t
}

func (v *attentionsView) topStaffTable() Table {
	groups := groupBy(v.rows, staffOf)
	return staffTotals("Top 10 Funcionarios por Productividad", groups[:min(10, len(groups))])
}

func (v *attentionsView) topServicesTable() Table {
	t := Table{Name: "Top 10 Servicios Más Solicitados", Columns: []string{"Servicio", "Total Casos"}}
	groups := groupBy(v.rows, serviceOf)
	for _, g := range groups[:min(10, len(groups))] {
		t.Rows = append(t.Rows, []any{g.keys[0], g.cases})
	}
	return t
}
