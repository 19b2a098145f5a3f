package gpu

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/gogpu/naga"
)

// Stage is the pipeline stage a shader module targets.
type Stage int

const (
	StageVertex Stage = iota
	StageFragment
)

func (s Stage) String() string {
	if s == StageVertex {
		return "vertex"
	}
	return "fragment"
}

// ShaderSpec names a WGSL module on disk (<Name>.wgsl) and whether the
// pipeline can run without it.
type ShaderSpec struct {
	Name     string
	Stage    Stage
	Required bool
}

// Shader is a compiled shader module.
type Shader struct {
	resource
	Name  string
	Stage Stage
	SPIRV []byte
}

// Compile validates WGSL source for the given stage and returns SPIR-V.
func Compile(src string, stage Stage) ([]byte, error) {
	entry := "@" + stage.String()
	if !strings.Contains(src, entry) {
		return nil, fmt.Errorf("no %s entry point", entry)
	}
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	return spirv, nil
}

// LoadShader reads <spec.Name>.wgsl from fsys and compiles it. Read or compile
// failures come back as ShaderLoadFailed carrying spec.Required.
func (d *Device) LoadShader(fsys fs.FS, spec ShaderSpec) (*Shader, error) {
	op := "load shader " + spec.Name

	src, err := fs.ReadFile(fsys, spec.Name+".wgsl")
	if err != nil {
		return nil, &Error{Kind: ShaderLoadFailed, Op: op, Required: spec.Required, Err: err}
	}
	spirv, err := Compile(string(src), spec.Stage)
	if err != nil {
		return nil, &Error{Kind: ShaderLoadFailed, Op: op, Required: spec.Required, Err: err}
	}

	done, err := d.beginCreate(op)
	if err != nil {
		return nil, err
	}
	defer done()

	sh := &Shader{Name: spec.Name, Stage: spec.Stage, SPIRV: spirv}
	sh.init(d, "shader", spec.Name)
	return sh, nil
}
