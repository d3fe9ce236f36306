package drafts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDraftID indicates that a draft identifier is empty or exceeds storage bounds.
	ErrInvalidDraftID = errors.New("drafts: invalid draft id")
	// ErrInvalidSnapshotID indicates that a snapshot identifier is not positive.
	ErrInvalidSnapshotID = errors.New("drafts: invalid snapshot id")
	// ErrInvalidSelection indicates that a selection range carries negative offsets.
	ErrInvalidSelection = errors.New("drafts: invalid selection")
	// ErrInvalidDocState indicates that a document payload is not valid JSON.
	ErrInvalidDocState = errors.New("drafts: invalid doc state")
)

// DraftID represents a validated draft identifier.
type DraftID string

// NewDraftID validates raw input and returns a DraftID.
func NewDraftID(rawInput string) (DraftID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDraftID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDraftID, maxIdentifierLength)
	}
	return DraftID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DraftID) String() string {
	return string(id)
}

// SnapshotID represents a validated, store-assigned snapshot identifier.
type SnapshotID int64

// NewSnapshotID validates the value and returns a SnapshotID.
func NewSnapshotID(value int64) (SnapshotID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSnapshotID, value)
	}
	return SnapshotID(value), nil
}

// Int64 exposes the raw identifier value.
func (id SnapshotID) Int64() int64 {
	return int64(id)
}

// DocState is the editor's serialized document. The payload is opaque to this package.
type DocState json.RawMessage

// NewDocState validates that the payload is JSON and returns a private copy.
func NewDocState(raw []byte) (DocState, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDocState)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidDocState)
	}
	return DocState(append([]byte(nil), trimmed...)), nil
}

// Clone returns a deep copy of the document payload.
func (state DocState) Clone() DocState {
	if state == nil {
		return nil
	}
	return DocState(append([]byte(nil), state...))
}

// String returns the payload as a string.
func (state DocState) String() string {
	return string(state)
}

// MarshalJSON emits the payload verbatim.
func (state DocState) MarshalJSON() ([]byte, error) {
	if state == nil {
		return []byte("null"), nil
	}
	return json.RawMessage(state).MarshalJSON()
}

// UnmarshalJSON stores a copy of the raw payload.
func (state *DocState) UnmarshalJSON(data []byte) error {
	if state == nil {
		return errors.New("drafts: UnmarshalJSON on nil DocState")
	}
	*state = append((*state)[0:0], data...)
	return nil
}

// Selection is the editor cursor or selection range.
type Selection struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// NewSelection validates offsets. Ordering of from/to is owned by the editor and is not checked.
func NewSelection(from, to int64) (Selection, error) {
	if from < 0 || to < 0 {
		return Selection{}, fmt.Errorf("%w: negative offset (%d, %d)", ErrInvalidSelection, from, to)
	}
	return Selection{From: from, To: to}, nil
}

// Fields is the set of named draft attributes. A nil field is absent.
type Fields struct {
	ProjectName *string
	PromptName  *string
	DocState    DocState
	Selection   *Selection
}

// IsEmpty reports whether no attribute is present.
func (f Fields) IsEmpty() bool {
	return f.ProjectName == nil && f.PromptName == nil && f.DocState == nil && f.Selection == nil
}

// Merge overlays present attributes of update on top of f and returns the result.
// Attributes absent from update are left untouched.
func (f Fields) Merge(update Fields) Fields {
	merged := f.Clone()
	if update.ProjectName != nil {
		merged.ProjectName = stringPointer(*update.ProjectName)
	}
	if update.PromptName != nil {
		merged.PromptName = stringPointer(*update.PromptName)
	}
	if update.DocState != nil {
		merged.DocState = update.DocState.Clone()
	}
	if update.Selection != nil {
		selection := *update.Selection
		merged.Selection = &selection
	}
	return merged
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	cloned := Fields{DocState: f.DocState.Clone()}
	if f.ProjectName != nil {
		cloned.ProjectName = stringPointer(*f.ProjectName)
	}
	if f.PromptName != nil {
		cloned.PromptName = stringPointer(*f.PromptName)
	}
	if f.Selection != nil {
		selection := *f.Selection
		cloned.Selection = &selection
	}
	return cloned
}

// Content returns only the content-bearing attributes captured by snapshots.
func (f Fields) Content() Fields {
	return Fields{
		DocState:  f.DocState.Clone(),
		Selection: f.Clone().Selection,
	}
}

// Naming returns only the naming attributes, which snapshots do not capture.
func (f Fields) Naming() Fields {
	cloned := f.Clone()
	return Fields{ProjectName: cloned.ProjectName, PromptName: cloned.PromptName}
}

// WithContent keeps naming attributes of f and replaces content attributes with those of content.
func (f Fields) WithContent(content Fields) Fields {
	next := f.Clone()
	next.DocState = content.DocState.Clone()
	next.Selection = content.Clone().Selection
	return next
}

// Draft is the single live row per draft identity.
type Draft struct {
	DraftID       string  `gorm:"column:draft_id;primaryKey;size:190;not null"`
	ProjectName   *string `gorm:"column:project_name;size:512"`
	PromptName    *string `gorm:"column:prompt_name;size:512"`
	DocStateJSON  *string `gorm:"column:doc_state_json;type:text"`
	SelectionFrom *int64  `gorm:"column:selection_from"`
	SelectionTo   *int64  `gorm:"column:selection_to"`
	UpdatedAtMs   int64   `gorm:"column:updated_at_ms;not null"`
	Version       int64   `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Draft) TableName() string {
	return "drafts"
}

// Fields decodes the stored attributes.
func (d Draft) Fields() Fields {
	fields := Fields{
		ProjectName: copyString(d.ProjectName),
		PromptName:  copyString(d.PromptName),
		Selection:   decodeSelection(d.SelectionFrom, d.SelectionTo),
	}
	if d.DocStateJSON != nil {
		fields.DocState = DocState(*d.DocStateJSON)
	}
	return fields
}

// Snapshot is an immutable capture of a draft's content at one flush.
type Snapshot struct {
	SnapshotID    int64   `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	DraftID       string  `gorm:"column:draft_id;size:190;not null;index:idx_snapshots_draft_created,priority:1"`
	DocStateJSON  *string `gorm:"column:doc_state_json;type:text"`
	SelectionFrom *int64  `gorm:"column:selection_from"`
	SelectionTo   *int64  `gorm:"column:selection_to"`
	CreatedAtMs   int64   `gorm:"column:created_at_ms;not null;index:idx_snapshots_draft_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "draft_snapshots"
}

// Content decodes the captured content attributes.
func (s Snapshot) Content() Fields {
	content := Fields{Selection: decodeSelection(s.SelectionFrom, s.SelectionTo)}
	if s.DocStateJSON != nil {
		content.DocState = DocState(*s.DocStateJSON)
	}
	return content
}

func newDraftRow(draftID DraftID, fields Fields, updatedAtMs, version int64) Draft {
	row := Draft{
		DraftID:     draftID.String(),
		ProjectName: copyString(fields.ProjectName),
		PromptName:  copyString(fields.PromptName),
		UpdatedAtMs: updatedAtMs,
		Version:     version,
	}
	row.DocStateJSON = encodeDocState(fields.DocState)
	row.SelectionFrom, row.SelectionTo = encodeSelection(fields.Selection)
	return row
}

func newSnapshotRow(draftID DraftID, content Fields, createdAtMs int64) Snapshot {
	row := Snapshot{
		DraftID:     draftID.String(),
		CreatedAtMs: createdAtMs,
	}
	row.DocStateJSON = encodeDocState(content.DocState)
	row.SelectionFrom, row.SelectionTo = encodeSelection(content.Selection)
	return row
}

func encodeDocState(state DocState) *string {
	if state == nil {
		return nil
	}
	value := string(state)
	return &value
}

func encodeSelection(selection *Selection) (*int64, *int64) {
	if selection == nil {
		return nil, nil
	}
	from := selection.From
	to := selection.To
	return &from, &to
}

func decodeSelection(from, to *int64) *Selection {
	if from == nil || to == nil {
		return nil
	}
	return &Selection{From: *from, To: *to}
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	return stringPointer(*value)
}

func stringPointer(value string) *string {
	v := value
	return &v
}
