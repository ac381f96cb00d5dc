package runner

import (
	"strings"
	"testing"

	"github.com/tpmjs/tpmjs/internal/tool"
)

func TestSynthesizeEntryScript_EmbedsParameters(t *testing.T) {
	ref := tool.NewReference("demo-tool", "helloWorldTool", "")
	script, err := SynthesizeEntryScript(ref, map[string]any{"name": "Ada", "count": 3}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		`"demo-tool"`,
		`"helloWorldTool"`,
		`"name":"Ada"`,
		`"count":3`,
		"__tpmjs_result__",
		"__tpmjs_error__",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestSynthesizeEntryScript_EnvAssignedBeforeImport(t *testing.T) {
	ref := tool.NewReference("demo-tool", "run", "")
	script, err := SynthesizeEntryScript(ref, nil, map[string]string{"API_KEY": "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Packages read credentials at module load time, so process.env must be
	// populated before the dynamic import runs.
	assign := strings.Index(script, "process.env")
	imp := strings.Index(script, "await import(")
	if assign < 0 || imp < 0 {
		t.Fatalf("script missing env assignment or import:\n%s", script)
	}
	if assign > imp {
		t.Error("environment must be assigned to process.env before the import")
	}
}

func TestSynthesizeEntryScript_NilMapsBecomeEmptyObjects(t *testing.T) {
	ref := tool.NewReference("demo-tool", "run", "")
	script, err := SynthesizeEntryScript(ref, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A bare null where an object literal is expected breaks the env loop
	// and parameter passing at runtime.
	for _, want := range []string{"const ENV = {};", "const PARAMS = {};"} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestSynthesizeEntryScript_EscapesHostileStrings(t *testing.T) {
	ref := tool.NewReference("demo-tool", "run", "")
	script, err := SynthesizeEntryScript(ref, map[string]any{
		"payload": `</script><script>process.exit(0)`,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The raw injection sequence must never survive JSON encoding.
	if strings.Contains(script, `</script>`) {
		t.Error("parameter value leaked into the script unescaped")
	}
}

func TestSynthesizeSchemaScript_ReferencesExport(t *testing.T) {
	ref := tool.NewReference("@scope/pkg", "searchTool", "1.2.3")
	script, err := SynthesizeSchemaScript(ref, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{`"@scope/pkg"`, `"searchTool"`, "inputSchema", "__tpmjs_result__"} {
		if !strings.Contains(script, want) {
			t.Errorf("schema script missing %q", want)
		}
	}
}
