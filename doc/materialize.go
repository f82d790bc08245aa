package doc

// Defaults applied when a field was never written, matching what the editor
// assumes for a blank slide.
const (
	DefaultTemplate        = "blank"
	DefaultBackgroundColor = "#ffffff"
	DefaultTextColor       = "#000000"
	DefaultElementSize     = 100.0
)

func (e *entity) str(field, def string) string {
	if reg, ok := e.fields[field]; ok && reg.val.Kind == ValueString {
		return reg.val.Str
	}
	return def
}

func (e *entity) num(field string, def float64) float64 {
	if reg, ok := e.fields[field]; ok && reg.val.Kind == ValueNumber {
		return reg.val.Num
	}
	return def
}

func (e *entity) strMap(field string) map[string]string {
	if reg, ok := e.fields[field]; ok && reg.val.Kind == ValueMap && len(reg.val.Map) > 0 {
		out := make(map[string]string, len(reg.val.Map))
		for k, v := range reg.val.Map {
			out[k] = v
		}
		return out
	}
	return nil
}

// Materialize renders the converged plain view of the document: tombstones
// dropped, lists in their deterministic order, defaults filled in.
func (d *Doc) Materialize() Project {
	root := d.entities[RootID]
	p := Project{
		ID:     root.str(FieldID, ""),
		Name:   root.str(FieldName, ""),
		Slides: []Slide{},
	}
	for _, se := range d.orderedChildren(RootID) {
		if se.deleted || se.kind != KindSlide {
			continue
		}
		s := Slide{
			ID:              se.id,
			Title:           se.str(FieldTitle, ""),
			Content:         se.str(FieldContent, ""),
			Template:        se.str(FieldTemplate, DefaultTemplate),
			BackgroundColor: se.str(FieldBackgroundColor, DefaultBackgroundColor),
			TextColor:       se.str(FieldTextColor, DefaultTextColor),
			ImageURL:        se.str(FieldImageURL, ""),
			SavedContent:    se.strMap(FieldSavedContent),
			Elements:        []Element{},
		}
		for _, ee := range d.orderedChildren(se.id) {
			if ee.deleted || ee.kind != KindElement {
				continue
			}
			s.Elements = append(s.Elements, Element{
				ID:      ee.id,
				Type:    ee.str(FieldType, TypeText),
				Content: ee.str(FieldContent, ""),
				X:       ee.num(FieldX, 0),
				Y:       ee.num(FieldY, 0),
				Width:   ee.num(FieldWidth, DefaultElementSize),
				Height:  ee.num(FieldHeight, DefaultElementSize),
				Role:    ee.str(FieldRole, ""),
				Style:   ee.strMap(FieldStyle),
			})
		}
		p.Slides = append(p.Slides, s)
	}
	return p
}

// Len reports the number of live (non-tombstoned) entities, the root
// excluded. Zero means the document is still empty.
func (d *Doc) Len() int {
	n := 0
	for id, e := range d.entities {
		if id != RootID && !e.deleted {
			n++
		}
	}
	return n
}
