package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/voltgrid/ocpp-gateway/internal/ocpp"
)

//go:embed schemas/v16/*.json schemas/v201/*.json schemas/v21/*.json
var schemaFS embed.FS

var versionDirs = map[ocpp.Version]string{
	ocpp.V16:  "schemas/v16",
	ocpp.V201: "schemas/v201",
	ocpp.V21:  "schemas/v21",
}

// Result of a validation. Errors holds "field: message" strings.
type Result struct {
	Valid  bool
	Errors []string
}

// ErrSchemaMissing is the single error entry reported when no schema is
// registered for an action.
const ErrSchemaMissing = "schema_missing"

// Registry holds compiled request and response schemas per version and
// action. All schemas are loaded and tightened at construction; lookups after
// that are read-only.
type Registry struct {
	requests  map[ocpp.Version]map[string]*gojsonschema.Schema
	responses map[ocpp.Version]map[string]*gojsonschema.Schema
	log       *zap.Logger
}

// Config controls schema registration.
type Config struct {
	// TightenExempt lists actions whose schemas are registered as authored,
	// without forcing additionalProperties:false. DataTransfer carries
	// vendor-defined data, hence the default.
	TightenExempt []string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{TightenExempt: []string{"DataTransfer"}}
}

// NewRegistry loads and compiles the embedded schema trees.
func NewRegistry(cfg Config, log *zap.Logger) (*Registry, error) {
	exempt := make(map[string]bool, len(cfg.TightenExempt))
	for _, a := range cfg.TightenExempt {
		exempt[a] = true
	}

	r := &Registry{
		requests:  make(map[ocpp.Version]map[string]*gojsonschema.Schema),
		responses: make(map[ocpp.Version]map[string]*gojsonschema.Schema),
		log:       log,
	}

	for version, dir := range versionDirs {
		r.requests[version] = make(map[string]*gojsonschema.Schema)
		r.responses[version] = make(map[string]*gojsonschema.Schema)

		entries, err := fs.ReadDir(schemaFS, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			action, isResponse, ok := parseSchemaName(entry.Name())
			if !ok {
				continue
			}
			raw, err := schemaFS.ReadFile(path.Join(dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read schema %s/%s: %w", dir, entry.Name(), err)
			}
			compiled, err := compile(raw, !exempt[action])
			if err != nil {
				return nil, fmt.Errorf("failed to compile schema %s/%s: %w", dir, entry.Name(), err)
			}
			if isResponse {
				r.responses[version][action] = compiled
			} else {
				r.requests[version][action] = compiled
			}
		}

		log.Info("OCPP schemas registered",
			zap.String("version", version.String()),
			zap.Int("request_schemas", len(r.requests[version])),
			zap.Int("response_schemas", len(r.responses[version])),
		)
	}

	return r, nil
}

// parseSchemaName splits "<Action>.req.json" / "<Action>.resp.json".
func parseSchemaName(name string) (action string, isResponse bool, ok bool) {
	switch {
	case strings.HasSuffix(name, ".req.json"):
		return strings.TrimSuffix(name, ".req.json"), false, true
	case strings.HasSuffix(name, ".resp.json"):
		return strings.TrimSuffix(name, ".resp.json"), true, true
	default:
		return "", false, false
	}
}

func compile(raw []byte, tighten bool) (*gojsonschema.Schema, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	if tighten {
		Tighten(doc)
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
}

// HasRequestSchema reports whether a request schema exists for the action.
func (r *Registry) HasRequestSchema(v ocpp.Version, action string) bool {
	_, ok := r.requests[v][action]
	return ok
}

// HasResponseSchema reports whether a response schema exists for the action.
func (r *Registry) HasResponseSchema(v ocpp.Version, action string) bool {
	_, ok := r.responses[v][action]
	return ok
}

// ValidateRequest validates an inbound CALL payload.
func (r *Registry) ValidateRequest(v ocpp.Version, action string, payload []byte) Result {
	return validate(r.requests[v][action], payload)
}

// ValidateResponse validates a CALLRESULT payload against the response schema
// of the action that initiated the exchange.
func (r *Registry) ValidateResponse(v ocpp.Version, action string, payload []byte) Result {
	return validate(r.responses[v][action], payload)
}

func validate(s *gojsonschema.Schema, payload []byte) Result {
	if s == nil {
		return Result{Valid: false, Errors: []string{ErrSchemaMissing}}
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Result{Valid: false, Errors: []string{fmt.Sprintf("payload is not valid JSON: %v", err)}}
	}
	if res.Valid() {
		return Result{Valid: true}
	}
	errs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return Result{Valid: false, Errors: errs}
}
