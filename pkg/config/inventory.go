package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// InventoryLoader parses the network inventory written in CUE.
//
// Subnets are declared under "subnets", either as a list or as a struct
// keyed by subnet id:
//
//	subnets: lab: {
//	    cidr: "10.0.0.0/24"
//	    ranges: [{id: "main", start: "10.0.0.10", end: "10.0.0.200"}]
//	}
type InventoryLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewInventoryLoader creates a new inventory loader.
func NewInventoryLoader() *InventoryLoader {
	return &InventoryLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load parses CUE files or package directories into an Inventory. Parse
// and validation problems are collected in Inventory.Errors; the error
// return is reserved for unreadable sources.
func (il *InventoryLoader) Load(ctx context.Context, sources []string) (*Inventory, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := il.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
			continue
		}

		val, errs := il.loadFile(source)
		parseErrors = append(parseErrors, errs...)
		unify(val)
		sourceFiles = append(sourceFiles, source)
	}

	if len(parseErrors) > 0 {
		return &Inventory{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &Inventory{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: convertCUEErrors(err)}, nil
	}

	return il.extract(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (il *InventoryLoader) ParseInline(ctx context.Context, content string) (*Inventory, error) {
	val := il.schemas.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Inventory{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return il.extract(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (il *InventoryLoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := il.schemas.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (il *InventoryLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := il.schemas.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extract decodes and validates the subnets of a CUE value.
func (il *InventoryLoader) extract(ctx context.Context, val cue.Value, sourceFiles []string) *Inventory {
	inv := &Inventory{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	addErr := func(path, msg string) {
		inv.Errors = append(inv.Errors, ValidationError{Path: path, Message: msg, Severity: "error"})
	}

	subnetsVal := val.LookupPath(cue.ParsePath("subnets"))
	if !subnetsVal.Exists() {
		return inv
	}

	switch subnetsVal.Kind() {
	case cue.StructKind:
		iter, err := subnetsVal.Fields()
		if err != nil {
			addErr("subnets", fmt.Sprintf("failed to iterate subnets: %v", err))
			break
		}
		for iter.Next() {
			path := fmt.Sprintf("subnets.%s", iter.Selector())
			subnet, err := il.extractSubnet(ctx, iter.Selector().String(), iter.Value())
			if err != nil {
				addErr(path, err.Error())
				continue
			}
			inv.Subnets = append(inv.Subnets, subnet)
		}

	case cue.ListKind:
		list, err := subnetsVal.List()
		if err != nil {
			addErr("subnets", fmt.Sprintf("failed to list subnets: %v", err))
			break
		}
		for idx := 0; list.Next(); idx++ {
			subnet, err := il.extractSubnet(ctx, "", list.Value())
			if err != nil {
				addErr(fmt.Sprintf("subnets[%d]", idx), err.Error())
				continue
			}
			inv.Subnets = append(inv.Subnets, subnet)
		}

	default:
		addErr("subnets", "subnets must be a struct or a list")
	}

	seen := make(map[string]bool)
	for _, s := range inv.Subnets {
		if seen[s.ID] {
			addErr("subnets."+s.ID, "duplicate subnet id")
		}
		seen[s.ID] = true
	}

	return inv
}

func (il *InventoryLoader) extractSubnet(ctx context.Context, id string, val cue.Value) (SubnetConfig, error) {
	var subnet SubnetConfig
	if err := val.Decode(&subnet); err != nil {
		return subnet, fmt.Errorf("failed to decode subnet: %w", err)
	}

	if subnet.ID == "" && id != "" {
		subnet.ID = id
	}

	if err := il.schemas.ValidateSubnet(ctx, subnet); err != nil {
		return subnet, err
	}
	if err := il.validator.Struct(subnet); err != nil {
		return subnet, fmt.Errorf("validation failed: %w", err)
	}
	if err := checkRanges(subnet); err != nil {
		return subnet, err
	}

	return subnet, nil
}

// checkRanges verifies every range lies inside the subnet prefix with
// start <= end, and that range ids are unique.
func checkRanges(subnet SubnetConfig) error {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return fmt.Errorf("invalid cidr %q: %w", subnet.CIDR, err)
	}

	ids := make(map[string]bool, len(subnet.Ranges))
	for _, r := range subnet.Ranges {
		if ids[r.ID] {
			return fmt.Errorf("duplicate range id %q", r.ID)
		}
		ids[r.ID] = true

		start, err := netip.ParseAddr(r.Start)
		if err != nil {
			return fmt.Errorf("range %s: invalid start: %w", r.ID, err)
		}
		end, err := netip.ParseAddr(r.End)
		if err != nil {
			return fmt.Errorf("range %s: invalid end: %w", r.ID, err)
		}
		if !prefix.Contains(start) || !prefix.Contains(end) {
			return fmt.Errorf("range %s (%s-%s) is outside %s", r.ID, r.Start, r.End, subnet.CIDR)
		}
		if end.Less(start) {
			return fmt.Errorf("range %s ends before it starts", r.ID)
		}
	}

	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// Err returns the collected inventory errors as one error, or nil.
func (inv *Inventory) Err() error {
	if len(inv.Errors) == 0 {
		return nil
	}
	msgs := make([]error, 0, len(inv.Errors))
	for _, e := range inv.Errors {
		msgs = append(msgs, fmt.Errorf("%s", e.String()))
	}
	return fmt.Errorf("inventory has %d error(s): %w", len(inv.Errors), stderrors.Join(msgs...))
}

// LoadInventory parses sources and fails if the inventory has errors.
func LoadInventory(ctx context.Context, sources []string) (*Inventory, error) {
	inv, err := NewInventoryLoader().Load(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := inv.Err(); err != nil {
		return nil, err
	}
	return inv, nil
}
