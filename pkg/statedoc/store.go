// Package statedoc reads, validates and repairs the coordinator's singleton
// state document.
//
// Loading is two-stage: the raw bytes are checked against an embedded JSON
// schema (types only), then decoded into typed records. Semantic problems
// such as malformed task handles or unknown statuses are not load errors;
// Validate reports them and Repair can fix the record-level ones.
package statedoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"go.uber.org/zap"

	schemasassets "github.com/3leaps/goflock/internal/assets/schemas"
	"github.com/3leaps/goflock/pkg/atomicfile"
	"github.com/3leaps/goflock/pkg/clock"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.StateDocumentSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded state-document schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.StateDocumentSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile state document schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Parse checks raw JSON against the schema and decodes it.
func Parse(data []byte) (*Document, error) {
	v, err := getValidator()
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, &InvalidStateDocumentError{Cause: errors.New("not valid JSON")}
	}

	diags, err := v.ValidateJSON(data)
	if err != nil {
		return nil, &InvalidStateDocumentError{Cause: err}
	}
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			out = append(out, Diagnostic{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(out) > 0 {
		return nil, &InvalidStateDocumentError{Diagnostics: out}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidStateDocumentError{Cause: err}
	}
	return &doc, nil
}

// Store owns the state document file.
type Store struct {
	path string
	clk  clock.Clock
	log  *zap.Logger
}

// NewStore creates a store for the document at path. A nil clock uses
// clock.Real(); a nil logger discards output.
func NewStore(path string, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: strings.TrimSpace(path), clk: clk, log: log}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and structurally validates the document.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, s.path)
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		var inv *InvalidStateDocumentError
		if errors.As(err, &inv) {
			inv.Path = s.path
		}
		return nil, err
	}
	return doc, nil
}

// Save atomically replaces the document.
func (s *Store) Save(doc *Document) error {
	if s.path == "" {
		return fmt.Errorf("state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return atomicfile.WriteJSON(s.path, doc)
}

// Update loads the document, applies fn and saves the result.
//
// There is no lock and no version check: two concurrent updates both read
// the same version and the later rename wins, silently dropping the other
// writer's change. Callers needing more must serialize themselves, for
// example by holding a claim.
func (s *Store) Update(fn func(*Document) error) (*Document, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Init writes a fresh document. An existing document is left alone unless
// force is set.
func (s *Store) Init(force bool) (*Document, error) {
	if !force {
		if _, err := os.Stat(s.path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrStateExists, s.path)
		}
	}
	doc := &Document{
		StartedAt:    ptr(clock.StampOf(s.clk.Now()).String()),
		Running:      ptr(true),
		Iteration:    ptr(0),
		Shepherds:    map[string]*ShepherdRecord{},
		SupportRoles: map[string]*SupportRoleRecord{},
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	s.log.Info("State document initialized", zap.String("path", s.path))
	return doc, nil
}

// CheckOptions controls ValidateAndRepair.
type CheckOptions struct {
	// Repair resets records with repairable errors.
	Repair bool

	// DryRun computes repairs without writing them.
	DryRun bool
}

// CheckResult is the outcome of ValidateAndRepair.
type CheckResult struct {
	Before Result  `json:"before"`
	Resets []Reset `json:"resets"`
	After  Result  `json:"after"`
	Saved  bool    `json:"saved"`
}

// ValidateAndRepair loads the document, validates it and, when asked,
// repairs and saves it. After is the validation of the repaired document,
// or a copy of Before when nothing was repaired.
func (s *Store) ValidateAndRepair(opts CheckOptions) (*CheckResult, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Before: Validate(doc), Resets: []Reset{}}
	res.After = res.Before
	if !opts.Repair || res.Before.OK() {
		return res, nil
	}

	resets := Repair(doc, res.Before.Errors, s.clk.Now())
	if len(resets) == 0 {
		return res, nil
	}
	res.Resets = resets
	res.After = Validate(doc)

	for _, r := range resets {
		s.log.Info("Reset state record",
			zap.String("section", string(r.Section)),
			zap.String("slot", r.Slot),
			zap.Strings("reasons", r.Reasons),
			zap.Bool("dry_run", opts.DryRun))
	}
	if opts.DryRun {
		return res, nil
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	res.Saved = true
	return res, nil
}
