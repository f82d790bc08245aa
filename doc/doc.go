// Package doc implements the replicated presentation document.
//
// A document is a tree of entities: one project root, ordered slides under
// it, ordered elements under each slide. Every field of every entity is an
// independent last-writer-wins register tagged (clock, clientID); list
// positions are anchor-relative (an insert references the id of its previous
// sibling, never a numeric index), so concurrent edits merge without
// coordination and every replica converges to the same state.
//
// A Doc is not safe for concurrent use. The room actor and the client
// session each own their replica exclusively and serialize access.
package doc

import (
	"sort"

	"github.com/cvkhang/SlideQuick/idgen"
)

type register struct {
	val Value
	tag Tag
}

type entity struct {
	id     string
	kind   Kind
	parent string
	anchor string
	insTag Tag

	deleted bool
	delTag  Tag

	fields map[string]register
}

// Doc is one replica of a shared document.
type Doc struct {
	client   string
	clock    uint64
	entities map[string]*entity
	versions StateVector

	newID   idgen.Generator
	pending []Op
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the replica's client id. Default: a fresh ULID.
func WithClientID(id string) Option { return func(d *Doc) { d.client = id } }

// WithIDGenerator sets the generator used for new slide/element ids.
func WithIDGenerator(gen idgen.Generator) Option { return func(d *Doc) { d.newID = gen } }

// New creates an empty document replica.
func New(opts ...Option) *Doc {
	d := &Doc{
		entities: make(map[string]*entity),
		versions: make(StateVector),
		newID:    idgen.Default,
	}
	for _, o := range opts {
		o(d)
	}
	if d.client == "" {
		d.client = idgen.Default()
	}
	d.entities[RootID] = &entity{
		id:     RootID,
		kind:   KindProject,
		fields: make(map[string]register),
	}
	return d
}

// ClientID returns this replica's client id.
func (d *Doc) ClientID() string { return d.client }

// StateVector returns a copy of the replica's version summary.
func (d *Doc) StateVector() StateVector { return d.versions.Clone() }

func (d *Doc) observe(t Tag) {
	if t.Clock > d.clock {
		d.clock = t.Clock
	}
	if t.Clock > d.versions[t.Client] {
		d.versions[t.Client] = t.Clock
	}
}

func (d *Doc) nextTag() Tag {
	d.clock++
	t := Tag{Clock: d.clock, Client: d.client}
	d.versions[d.client] = d.clock
	return t
}

// Apply merges a decoded delta into the replica. It is idempotent: applying
// the same delta twice equals applying it once. The returned ChangeSet names
// exactly the entities and fields that changed.
func (d *Doc) Apply(ops []Op) ChangeSet {
	var cs ChangeSet
	for _, op := range ops {
		d.applyOp(op, &cs)
	}
	return cs
}

func (d *Doc) applyOp(op Op, cs *ChangeSet) {
	d.observe(op.Tag)

	switch op.Kind {
	case OpInsert:
		if op.Entity == RootID {
			return
		}
		if _, ok := d.entities[op.Entity]; ok {
			// Ids are never reused; a second insert of the same id is a replay.
			return
		}
		d.entities[op.Entity] = &entity{
			id:     op.Entity,
			kind:   op.EntityKind,
			parent: op.Parent,
			anchor: op.Anchor,
			insTag: op.Tag,
			fields: make(map[string]register),
		}
		cs.Created = append(cs.Created, op.Entity)

	case OpDelete:
		e, ok := d.entities[op.Entity]
		if !ok || op.Entity == RootID {
			return
		}
		if e.deleted {
			if op.Tag.Wins(e.delTag) {
				e.delTag = op.Tag
			}
			return
		}
		e.deleted = true
		e.delTag = op.Tag
		cs.Removed = append(cs.Removed, op.Entity)

	case OpSet:
		e, ok := d.entities[op.Entity]
		if !ok {
			return
		}
		cur, ok := e.fields[op.Field]
		if ok && !op.Tag.Wins(cur.tag) {
			return
		}
		e.fields[op.Field] = register{val: op.Value, tag: op.Tag}
		if !e.deleted && (!ok || !cur.val.Equal(op.Value)) {
			cs.noteUpdated(op.Entity, op.Field)
		}
	}
}

// DeltaSince returns the ops carrying every tagged write the given vector
// has not seen: inserts in tree order (parents and anchors first), then
// deletes, then field writes. Applying the result to the replica that
// produced the vector reproduces this replica's state.
func (d *Doc) DeltaSince(sv StateVector) []Op {
	var ops []Op

	// Inserts in linearized tree order so anchors always precede the
	// entities anchored on them.
	var walk func(parent string)
	walk = func(parent string) {
		for _, e := range d.orderedChildren(parent) {
			if !sv.Covers(e.insTag) {
				ops = append(ops, Op{
					Kind:       OpInsert,
					Entity:     e.id,
					Tag:        e.insTag,
					EntityKind: e.kind,
					Parent:     e.parent,
					Anchor:     e.anchor,
				})
			}
			walk(e.id)
		}
	}
	walk(RootID)

	for _, id := range d.sortedEntityIDs() {
		e := d.entities[id]
		if e.deleted && !sv.Covers(e.delTag) {
			ops = append(ops, Op{Kind: OpDelete, Entity: e.id, Tag: e.delTag})
		}
	}

	for _, id := range d.sortedEntityIDs() {
		e := d.entities[id]
		fields := make([]string, 0, len(e.fields))
		for f := range e.fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			reg := e.fields[f]
			if !sv.Covers(reg.tag) {
				ops = append(ops, Op{
					Kind:   OpSet,
					Entity: e.id,
					Tag:    reg.tag,
					Field:  f,
					Value:  reg.val,
				})
			}
		}
	}
	return ops
}

// SnapshotOps returns the full tagged state, tombstones included, as a delta
// from empty. Deterministic: two replicas in the same state produce the same
// op list.
func (d *Doc) SnapshotOps() []Op {
	return d.DeltaSince(StateVector{})
}

func (d *Doc) sortedEntityIDs() []string {
	ids := make([]string, 0, len(d.entities))
	for id := range d.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// orderedChildren linearizes the children of parent, tombstones included.
// Siblings sharing an anchor order among themselves by descending tag, then
// each is followed by the entities anchored on it. Deterministic and
// convergent for any delivery order of the underlying inserts.
func (d *Doc) orderedChildren(parent string) []*entity {
	buckets := make(map[string][]*entity)
	n := 0
	for _, e := range d.entities {
		if e.parent == parent && e.id != RootID {
			buckets[e.anchor] = append(buckets[e.anchor], e)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	for _, b := range buckets {
		sort.Slice(b, func(i, j int) bool { return b[i].insTag.Wins(b[j].insTag) })
	}
	out := make([]*entity, 0, n)
	var visit func(anchor string)
	visit = func(anchor string) {
		for _, e := range buckets[anchor] {
			out = append(out, e)
			visit(e.id)
		}
	}
	visit("")
	return out
}

// TakePending drains the ops produced by local mutations since the last
// call. The caller encodes and sends them.
func (d *Doc) TakePending() []Op {
	ops := d.pending
	d.pending = nil
	return ops
}

func (d *Doc) record(op Op) {
	var cs ChangeSet
	d.applyOp(op, &cs)
	d.pending = append(d.pending, op)
}

// Set writes one field of one entity locally.
func (d *Doc) Set(entityID, field string, v Value) {
	d.record(Op{Kind: OpSet, Entity: entityID, Tag: d.nextTag(), Field: field, Value: v})
}

// Delete tombstones an entity locally. Deleting an already-deleted or
// unknown id is a no-op.
func (d *Doc) Delete(entityID string) {
	e, ok := d.entities[entityID]
	if !ok || e.deleted || entityID == RootID {
		return
	}
	d.record(Op{Kind: OpDelete, Entity: entityID, Tag: d.nextTag()})
}

// InsertSlide inserts a new empty slide after the given sibling id
// ("" = first) and returns its id.
func (d *Doc) InsertSlide(after string) string {
	id := d.newID()
	d.record(Op{
		Kind:       OpInsert,
		Entity:     id,
		Tag:        d.nextTag(),
		EntityKind: KindSlide,
		Parent:     RootID,
		Anchor:     after,
	})
	return id
}

// InsertElement inserts a new empty element into a slide after the given
// sibling id ("" = first) and returns its id.
func (d *Doc) InsertElement(slideID, after string) string {
	id := d.newID()
	d.record(Op{
		Kind:       OpInsert,
		Entity:     id,
		Tag:        d.nextTag(),
		EntityKind: KindElement,
		Parent:     slideID,
		Anchor:     after,
	})
	return id
}

// AddSlide inserts a slide and writes its non-empty fields. If s.ID is set
// it is used verbatim (the id must be globally unique and never reused).
func (d *Doc) AddSlide(after string, s Slide) string {
	id := s.ID
	if id == "" {
		id = d.newID()
	}
	d.record(Op{
		Kind:       OpInsert,
		Entity:     id,
		Tag:        d.nextTag(),
		EntityKind: KindSlide,
		Parent:     RootID,
		Anchor:     after,
	})
	if s.Title != "" {
		d.Set(id, FieldTitle, String(s.Title))
	}
	if s.Content != "" {
		d.Set(id, FieldContent, String(s.Content))
	}
	if s.Template != "" {
		d.Set(id, FieldTemplate, String(s.Template))
	}
	if s.BackgroundColor != "" {
		d.Set(id, FieldBackgroundColor, String(s.BackgroundColor))
	}
	if s.TextColor != "" {
		d.Set(id, FieldTextColor, String(s.TextColor))
	}
	if s.ImageURL != "" {
		d.Set(id, FieldImageURL, String(s.ImageURL))
	}
	if len(s.SavedContent) > 0 {
		d.Set(id, FieldSavedContent, StringMap(s.SavedContent))
	}
	anchor := ""
	for i := range s.Elements {
		anchor = d.AddElement(id, anchor, s.Elements[i])
	}
	return id
}

// AddElement inserts an element and writes its non-empty fields.
func (d *Doc) AddElement(slideID, after string, e Element) string {
	id := e.ID
	if id == "" {
		id = d.newID()
	}
	d.record(Op{
		Kind:       OpInsert,
		Entity:     id,
		Tag:        d.nextTag(),
		EntityKind: KindElement,
		Parent:     slideID,
		Anchor:     after,
	})
	if e.Type != "" {
		d.Set(id, FieldType, String(e.Type))
	}
	if e.Content != "" {
		d.Set(id, FieldContent, String(e.Content))
	}
	d.Set(id, FieldX, Number(e.X))
	d.Set(id, FieldY, Number(e.Y))
	if e.Width != 0 {
		d.Set(id, FieldWidth, Number(e.Width))
	}
	if e.Height != 0 {
		d.Set(id, FieldHeight, Number(e.Height))
	}
	if e.Role != "" {
		d.Set(id, FieldRole, String(e.Role))
	}
	if len(e.Style) > 0 {
		d.Set(id, FieldStyle, StringMap(e.Style))
	}
	return id
}

// ApplyLayout replaces all elements of a slide with a new set, as plain
// delete+insert ops. Used for template/layout switches; merges under the
// same rules as any other structural edit.
func (d *Doc) ApplyLayout(slideID, template string, els []Element) {
	for _, e := range d.orderedChildren(slideID) {
		if !e.deleted {
			d.Delete(e.id)
		}
	}
	if template != "" {
		d.Set(slideID, FieldTemplate, String(template))
	}
	anchor := ""
	for _, el := range els {
		anchor = d.AddElement(slideID, anchor, el)
	}
}

// SetProject writes the project-level fields (id, name). Used by the owner's
// initial push.
func (d *Doc) SetProject(id, name string) {
	if id != "" {
		d.Set(RootID, FieldID, String(id))
	}
	if name != "" {
		d.Set(RootID, FieldName, String(name))
	}
}
