// ghostline/analyzer_go.go
// Default SemanticAnalyzer for Go sources: go/ast for scope and member
// discovery, go/packages for cross-file type resolution, and a bbolt-backed
// persistent cache for rendered type structures.
package ghostline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"go/types"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/tools/go/packages"
)

const structureCacheSchemaVersion = 1

var structuresBucket = []byte("TypeStructuresV" + fmt.Sprint(structureCacheSchemaVersion))

// goBuiltinTypes are never worth a structure fetch.
var goBuiltinTypes = map[string]struct{}{
	"bool": {}, "byte": {}, "complex64": {}, "complex128": {}, "error": {},
	"float32": {}, "float64": {}, "int": {}, "int8": {}, "int16": {},
	"int32": {}, "int64": {}, "rune": {}, "string": {}, "uint": {},
	"uint8": {}, "uint16": {}, "uint32": {}, "uint64": {}, "uintptr": {},
	"any": {}, "comparable": {},
}

type parsedFile struct {
	file    *ast.File
	modTime time.Time
	size    int64
}

type cachedStructure struct {
	SchemaVersion int    `json:"schema_version"`
	GoModHash     string `json:"go_mod_hash"`
	Structure     string `json:"structure"`
}

// goScopeAnalyzer implements SemanticAnalyzer for Go files. Member handles
// produced by CollectScopeMembers stay valid until the file is reparsed.
type goScopeAnalyzer struct {
	logger *slog.Logger
	fset   *token.FileSet

	mu       sync.Mutex
	files    map[string]*parsedFile
	members  map[string]*ast.FuncDecl
	pkgCache map[string]*packages.Package

	db *bolt.DB // nil when the persistent cache is unavailable
}

// newGoScopeAnalyzer opens the structure cache and returns a ready analyzer.
// A cache open failure degrades to uncached operation with a warning.
func newGoScopeAnalyzer(cfg Config, logger *slog.Logger) (*goScopeAnalyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &goScopeAnalyzer{
		logger:   logger.With("component", "go_analyzer"),
		fset:     token.NewFileSet(),
		files:    make(map[string]*parsedFile),
		members:  make(map[string]*ast.FuncDecl),
		pkgCache: make(map[string]*packages.Package),
	}

	dir := cfg.StructureCacheDir
	if dir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			a.logger.Warn("No user cache dir, structure cache disabled", "error", err)
			return a, nil
		}
		dir = filepath.Join(userCache, defaultStructureCacheDirName)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		a.logger.Warn("Cannot create structure cache dir, cache disabled", "dir", dir, "error", err)
		return a, nil
	}
	dbPath := filepath.Join(dir, "structures.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 500 * time.Millisecond})
	if err != nil {
		a.logger.Warn("Cannot open structure cache, cache disabled", "path", dbPath, "error", fmt.Errorf("%w: %w", ErrCache, err))
		return a, nil
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(structuresBucket)
		return err
	})
	if err != nil {
		db.Close()
		a.logger.Warn("Cannot initialize structure cache bucket, cache disabled", "error", err)
		return a, nil
	}
	a.db = db
	a.logger.Debug("Structure cache opened", "path", dbPath)
	return a, nil
}

func (a *goScopeAnalyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// =============================================================================
// Scope and Member Discovery
// =============================================================================

// EnclosingScope maps a cursor position to its analyzable scope: the method
// receiver's type when inside a method, the function itself when inside a
// plain function, the whole file otherwise.
func (a *goScopeAnalyzer) EnclosingScope(_ context.Context, filePath string, offset int) (ScopeRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pf, err := a.parseLocked(filePath)
	if err != nil {
		return ScopeRef{}, err
	}
	tokFile := a.fset.File(pf.file.Pos())
	if tokFile == nil {
		return ScopeRef{Path: filePath}, nil
	}
	if offset < 0 {
		offset = 0
	}
	if offset > tokFile.Size() {
		offset = tokFile.Size()
	}
	pos := tokFile.Pos(offset)

	for _, decl := range pf.file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || pos < fn.Pos() || pos > fn.End() {
			continue
		}
		if recv := receiverTypeName(fn); recv != "" {
			return ScopeRef{Path: filePath, Name: recv}, nil
		}
		return ScopeRef{Path: filePath, Name: fn.Name.Name}, nil
	}
	return ScopeRef{Path: filePath}, nil
}

// CollectScopeMembers lists the functions belonging to a scope: all methods
// of the named type, the single named function, or every top-level function
// for a whole-file scope.
func (a *goScopeAnalyzer) CollectScopeMembers(_ context.Context, scope ScopeRef) ([]MemberRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pf, err := a.parseLocked(scope.Path)
	if err != nil {
		return nil, err
	}
	var members []MemberRef
	for _, decl := range pf.file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		recv := receiverTypeName(fn)
		switch {
		case scope.Name == "":
			// whole file
		case recv == scope.Name:
			// method of the scope type
		case recv == "" && fn.Name.Name == scope.Name:
			// the named function itself
		default:
			continue
		}
		m := MemberRef{Scope: scope, Name: fn.Name.Name, Signature: a.renderSignature(fn)}
		a.members[m.Key()] = fn
		members = append(members, m)
	}
	return members, nil
}

func (a *goScopeAnalyzer) declFor(m MemberRef) (*ast.FuncDecl, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn, ok := a.members[m.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown member %s", ErrAnalysisFailed, m.Name)
	}
	return fn, nil
}

// =============================================================================
// Member Analysis
// =============================================================================

// AnalyzeSignature records the type names a member's receiver, parameters,
// and results reference.
func (a *goScopeAnalyzer) AnalyzeSignature(_ context.Context, member MemberRef) (*AnalysisResult, error) {
	fn, err := a.declFor(member)
	if err != nil {
		return nil, err
	}
	res := NewAnalysisResult()
	collect := func(fields *ast.FieldList) {
		if fields == nil {
			return
		}
		for _, field := range fields.List {
			for _, name := range typeNamesIn(field.Type) {
				res.ReferencedSymbols[name] = struct{}{}
				res.TypeStructures[name] = ""
			}
		}
	}
	collect(fn.Recv)
	if fn.Type != nil {
		collect(fn.Type.Params)
		collect(fn.Type.Results)
	}
	return res, nil
}

// BodyChunks returns how many fixed-size statement chunks the member body
// splits into.
func (a *goScopeAnalyzer) BodyChunks(_ context.Context, member MemberRef) (int, error) {
	fn, err := a.declFor(member)
	if err != nil {
		return 0, err
	}
	if fn.Body == nil {
		return 0, nil
	}
	n := len(fn.Body.List)
	return (n + bodyChunkStatements - 1) / bodyChunkStatements, nil
}

// AnalyzeBodyChunk walks one statement chunk, recording called members and
// referenced types.
func (a *goScopeAnalyzer) AnalyzeBodyChunk(_ context.Context, member MemberRef, chunk int) (*AnalysisResult, error) {
	fn, err := a.declFor(member)
	if err != nil {
		return nil, err
	}
	if fn.Body == nil {
		return NewAnalysisResult(), nil
	}
	start := chunk * bodyChunkStatements
	end := start + bodyChunkStatements
	if start >= len(fn.Body.List) {
		return NewAnalysisResult(), nil
	}
	if end > len(fn.Body.List) {
		end = len(fn.Body.List)
	}

	res := NewAnalysisResult()
	for _, stmt := range fn.Body.List[start:end] {
		ast.Inspect(stmt, func(n ast.Node) bool {
			switch node := n.(type) {
			case *ast.CallExpr:
				if name := callName(node); name != "" {
					res.CalledMembers[name] = struct{}{}
				}
			case *ast.CompositeLit:
				for _, name := range typeNamesIn(node.Type) {
					res.ReferencedSymbols[name] = struct{}{}
					res.TypeStructures[name] = ""
				}
			case *ast.SelectorExpr:
				if ident, ok := node.X.(*ast.Ident); ok {
					res.ReferencedSymbols[ident.Name] = struct{}{}
				}
			}
			return true
		})
	}
	return res, nil
}

// =============================================================================
// Type Structure Fetch (bbolt-cached)
// =============================================================================

// FetchTypeStructure renders the declaration of a type referenced from a
// scope. Same-file declarations come straight from the AST; anything else is
// resolved through go/packages, with results persisted in bbolt keyed by the
// module's go.mod hash so stale entries self-invalidate on dependency bumps.
func (a *goScopeAnalyzer) FetchTypeStructure(ctx context.Context, scope ScopeRef, typeName string) (string, error) {
	if _, builtin := goBuiltinTypes[typeName]; builtin {
		return "", fmt.Errorf("%w: builtin type %s", ErrAnalysisFailed, typeName)
	}

	if structure, ok := a.structureFromFile(scope.Path, typeName); ok {
		return structure, nil
	}

	dir := filepath.Dir(scope.Path)
	modHash, hashErr := a.goModHash(dir)
	if hashErr == nil {
		if structure, ok := a.cachedStructure(dir, typeName, modHash); ok {
			return structure, nil
		}
	}

	structure, err := a.structureFromPackages(ctx, dir, typeName)
	if err != nil {
		return "", err
	}
	if hashErr == nil {
		a.storeStructure(dir, typeName, modHash, structure)
	}
	return structure, nil
}

// structureFromFile looks for the type declaration in the scope's own file.
func (a *goScopeAnalyzer) structureFromFile(path, typeName string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pf, err := a.parseLocked(path)
	if err != nil {
		return "", false
	}
	for _, decl := range pf.file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok || ts.Name.Name != typeName {
				continue
			}
			var buf bytes.Buffer
			if err := printer.Fprint(&buf, a.fset, ts); err != nil {
				return "", false
			}
			return "type " + buf.String(), true
		}
	}
	return "", false
}

// structureFromPackages resolves the type through the loaded package.
func (a *goScopeAnalyzer) structureFromPackages(ctx context.Context, dir, typeName string) (string, error) {
	pkg, err := a.loadPackage(ctx, dir)
	if err != nil {
		return "", err
	}
	if pkg.Types == nil {
		return "", fmt.Errorf("%w: no type information for %s", ErrAnalysisFailed, dir)
	}
	obj := pkg.Types.Scope().Lookup(typeName)
	if obj == nil {
		return "", fmt.Errorf("%w: type %s not found in %s", ErrAnalysisFailed, typeName, dir)
	}
	qualifier := types.RelativeTo(pkg.Types)
	return types.ObjectString(obj, qualifier), nil
}

func (a *goScopeAnalyzer) loadPackage(ctx context.Context, dir string) (*packages.Package, error) {
	a.mu.Lock()
	if pkg, ok := a.pkgCache[dir]; ok {
		a.mu.Unlock()
		return pkg, nil
	}
	a.mu.Unlock()

	loadCfg := &packages.Config{
		Context: ctx,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo,
		Dir:   dir,
		Tests: false,
	}
	start := time.Now()
	pkgs, err := packages.Load(loadCfg, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %w", ErrAnalysisFailed, dir, err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("%w: no package in %s", ErrAnalysisFailed, dir)
	}
	a.logger.Debug("Package loaded", "dir", dir, "duration", time.Since(start))

	a.mu.Lock()
	a.pkgCache[dir] = pkgs[0]
	a.mu.Unlock()
	return pkgs[0], nil
}

func (a *goScopeAnalyzer) structureKey(dir, typeName string) []byte {
	return []byte(dir + "::" + typeName)
}

func (a *goScopeAnalyzer) cachedStructure(dir, typeName, modHash string) (string, bool) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return "", false
	}
	var entry cachedStructure
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(structuresBucket).Get(a.structureKey(dir, typeName))
		if data == nil {
			return ErrCacheRead
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", false
	}
	if entry.SchemaVersion != structureCacheSchemaVersion || entry.GoModHash != modHash {
		return "", false
	}
	return entry.Structure, true
}

func (a *goScopeAnalyzer) storeStructure(dir, typeName, modHash, structure string) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return
	}
	entry := cachedStructure{
		SchemaVersion: structureCacheSchemaVersion,
		GoModHash:     modHash,
		Structure:     structure,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(structuresBucket).Put(a.structureKey(dir, typeName), data)
	})
	if err != nil {
		a.logger.Warn("Structure cache write failed", "error", fmt.Errorf("%w: %w", ErrCacheWrite, err))
	}
}

// goModHash hashes the nearest go.mod above dir, the cache validation token.
func (a *goScopeAnalyzer) goModHash(dir string) (string, error) {
	current := dir
	for {
		data, err := os.ReadFile(filepath.Join(current, "go.mod"))
		if err == nil {
			sum := sha256.Sum256(data)
			return hex.EncodeToString(sum[:]), nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w: no go.mod above %s", ErrCacheHash, dir)
		}
		current = parent
	}
}

// =============================================================================
// Parsing Helpers
// =============================================================================

// parseLocked returns the cached AST for path, reparsing when the file
// changed on disk. Caller holds a.mu.
func (a *goScopeAnalyzer) parseLocked(path string) (*parsedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrAnalysisFailed, path, err)
	}
	if pf, ok := a.files[path]; ok && pf.modTime.Equal(info.ModTime()) && pf.size == info.Size() {
		return pf, nil
	}
	file, err := parser.ParseFile(a.fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrAnalysisFailed, path, err)
	}
	pf := &parsedFile{file: file, modTime: info.ModTime(), size: info.Size()}
	a.files[path] = pf
	// Member handles point into the old AST; invalidate them.
	prefix := "scope:" + path + ":"
	for key := range a.members {
		if strings.HasPrefix(key, prefix) {
			delete(a.members, key)
		}
	}
	return pf, nil
}

func (a *goScopeAnalyzer) renderSignature(fn *ast.FuncDecl) string {
	var buf bytes.Buffer
	stripped := *fn
	stripped.Body = nil
	stripped.Doc = nil
	if err := printer.Fprint(&buf, a.fset, &stripped); err != nil {
		return fn.Name.Name
	}
	return buf.String()
}

// receiverTypeName extracts the bare receiver type name of a method.
func receiverTypeName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	expr := fn.Recv.List[0].Type
	for {
		switch t := expr.(type) {
		case *ast.StarExpr:
			expr = t.X
		case *ast.IndexExpr:
			expr = t.X
		case *ast.IndexListExpr:
			expr = t.X
		case *ast.Ident:
			return t.Name
		default:
			return ""
		}
	}
}

// typeNamesIn collects non-builtin named types mentioned in a type expression.
func typeNamesIn(expr ast.Expr) []string {
	var names []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, builtin := goBuiltinTypes[name]; builtin {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	ast.Inspect(expr, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.Ident:
			add(node.Name)
		case *ast.SelectorExpr:
			// qualified type: record the selector, skip the package ident
			add(node.Sel.Name)
			return false
		}
		return true
	})
	return names
}

// callName renders the callee of a call expression.
func callName(call *ast.CallExpr) string {
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		return fun.Name
	case *ast.SelectorExpr:
		if ident, ok := fun.X.(*ast.Ident); ok {
			return ident.Name + "." + fun.Sel.Name
		}
		return fun.Sel.Name
	}
	return ""
}
