package tools

import (
	"errors"
	"testing"
)

func TestResolve_KnownTools(t *testing.T) {
	for _, tool := range All {
		def, err := Resolve(string(tool))
		if err != nil {
			t.Errorf("Resolve(%q) error = %v, want nil", tool, err)
			continue
		}
		if def.Tool != tool {
			t.Errorf("Resolve(%q).Tool = %q, want %q", tool, def.Tool, tool)
		}
		if def.Image == "" {
			t.Errorf("Resolve(%q) has empty image", tool)
		}
		if len(def.BaseArgs) == 0 {
			t.Errorf("Resolve(%q) has no base args", tool)
		}
	}
}

func TestResolve_UnknownTool(t *testing.T) {
	for _, name := range []string{"foobar", "", "NMAP", "rm"} {
		_, err := Resolve(name)
		if !errors.Is(err, ErrUnknownTool) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownTool", name, err)
		}
	}
}

func TestImages_Distinct(t *testing.T) {
	images := Images()
	if len(images) == 0 {
		t.Fatal("Images() returned nothing")
	}
	seen := make(map[string]struct{})
	for _, img := range images {
		if _, dup := seen[img]; dup {
			t.Errorf("duplicate image %q", img)
		}
		seen[img] = struct{}{}
	}
}
