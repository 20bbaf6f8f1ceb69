package extract

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestCodeBlocks_SingleBlock(t *testing.T) {
	response := "Here is the test:\n```python\nprint('x')\nraise SystemExit(1)\n```\nRun it directly.\n"

	blocks := CodeBlocks(response)
	if len(blocks) != 1 {
		t.Fatalf("CodeBlocks() = %d blocks, want 1", len(blocks))
	}
	if blocks[0] != "print('x')\nraise SystemExit(1)\n" {
		t.Fatalf("block = %q, want script body with line endings intact", blocks[0])
	}
}

func TestCodeBlocks_MultipleAndUnterminated(t *testing.T) {
	response := "```python\na = 1\n```\nprose\n```\nb = 2\n```\n```python\ndangling\n"

	blocks := CodeBlocks(response)
	if len(blocks) != 2 {
		t.Fatalf("CodeBlocks() = %d blocks, want 2 (unterminated fence dropped)", len(blocks))
	}
	if blocks[0] != "a = 1\n" || blocks[1] != "b = 2\n" {
		t.Fatalf("blocks = %q, want [a = 1] and [b = 2]", blocks)
	}
}

func TestCodeBlocks_IndentedFence(t *testing.T) {
	response := "  ```python\nx = 0\n  ```\n"

	blocks := CodeBlocks(response)
	if len(blocks) != 1 || blocks[0] != "x = 0\n" {
		t.Fatalf("CodeBlocks() = %q, want one block from indented fences", blocks)
	}
}

func TestTestScript_SingleBlock(t *testing.T) {
	response := "```python\nimport sys\nsys.exit(1)\n```"

	script, err := TestScript(response)
	if err != nil {
		t.Fatalf("TestScript() error = %v", err)
	}
	if script != "import sys\nsys.exit(1)\n" {
		t.Fatalf("script = %q", script)
	}
}

func TestTestScript_RunCommandTrailer(t *testing.T) {
	response := "```python\nassert broken()\n```\nThen run:\n```bash\npython3 reproducer.py\n```"

	script, err := TestScript(response)
	if err != nil {
		t.Fatalf("TestScript() error = %v", err)
	}
	if script != "assert broken()\n" {
		t.Fatalf("script = %q, want first block", script)
	}
}

func TestTestScript_PythonTaggedFirstBlock(t *testing.T) {
	response := "```python\nmain()\n```\nExpected output:\n```\nAssertionError\n```\nNotes:\n```\nnone\n```"

	script, err := TestScript(response)
	if err != nil {
		t.Fatalf("TestScript() error = %v", err)
	}
	if script != "main()\n" {
		t.Fatalf("script = %q, want first python-tagged block", script)
	}
}

func TestTestScript_AmbiguousBlocks(t *testing.T) {
	response := "```\nfirst()\n```\n```\nsecond()\n```"

	_, err := TestScript(response)
	if !IsMalformed(err) {
		t.Fatalf("TestScript() error = %v, want MalformedError", err)
	}
}

func TestTestScript_NoBlocks(t *testing.T) {
	_, err := TestScript("I could not produce a script for this issue.")
	if !IsMalformed(err) {
		t.Fatalf("TestScript() error = %v, want MalformedError", err)
	}
}

func TestLastScript_PrefersLastPythonBlock(t *testing.T) {
	response := "```python\nold = 1\n```\nrevised:\n```python\nnew = 2\n```"

	script, err := LastScript(response)
	if err != nil {
		t.Fatalf("LastScript() error = %v", err)
	}
	if script != "new = 2" {
		t.Fatalf("script = %q, want last python block", script)
	}
}

func TestLastScript_FallsBackToBareFences(t *testing.T) {
	response := "```\nonly = True\n```"

	script, err := LastScript(response)
	if err != nil {
		t.Fatalf("LastScript() error = %v", err)
	}
	if script != "only = True" {
		t.Fatalf("script = %q", script)
	}
}

func TestLastScript_NoBlocks(t *testing.T) {
	if _, err := LastScript("no code here"); !IsMalformed(err) {
		t.Fatalf("LastScript() error = %v, want MalformedError", err)
	}
}

func TestScanModifications_OrderAndTrimming(t *testing.T) {
	text := "# modification 1\n```\n<file> pkg/mod.py </file>\n<original>\n    if x:\n        return\n</original>\n<patched>\n    if x is None:\n        return\n</patched>\n```\n\n# modification 2\n```\n<file>pkg/other.py</file>\n<original>a = 1</original>\n<patched>a = 2</patched>\n```\n"

	mods := ScanModifications(text)
	if len(mods) != 2 {
		t.Fatalf("ScanModifications() = %d stanzas, want 2", len(mods))
	}
	if mods[0].File != "pkg/mod.py" {
		t.Fatalf("File = %q, want trimmed path", mods[0].File)
	}
	if mods[0].Original != "    if x:\n        return" {
		t.Fatalf("Original = %q, want indentation preserved", mods[0].Original)
	}
	if mods[1].Patched != "a = 2" {
		t.Fatalf("Patched = %q", mods[1].Patched)
	}
}

func TestPatchModifications_NoStanza(t *testing.T) {
	_, err := PatchModifications("The issue is in the parser but I cannot fix it.")
	if !IsMalformed(err) {
		t.Fatalf("PatchModifications() error = %v, want MalformedError", err)
	}
}

func TestPatchModifications_UnwrapsNewPatch(t *testing.T) {
	response := "The previous attempt\n<file>old.py</file>\n<original>x</original>\n<patched>y</patched>\nmissed the root cause.\n<new_patch>\n# modification 1\n<file>new.py</file>\n<original>a</original>\n<patched>b</patched>\n</new_patch>"

	mods, err := PatchModifications(response)
	if err != nil {
		t.Fatalf("PatchModifications() error = %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("got %d stanzas, want 1 (quoted old patch ignored)", len(mods))
	}
	if mods[0].File != "new.py" {
		t.Fatalf("File = %q, want new.py", mods[0].File)
	}
}

func TestRenderModifications_RoundTrip(t *testing.T) {
	mods := []Modification{
		{File: "a.py", Original: "x = 1", Patched: "x = 2"},
		{File: "b.py", Original: "    y()\n    z()", Patched: "    y(1)\n    z()"},
	}

	got := ScanModifications(RenderModifications(mods))
	if !reflect.DeepEqual(got, mods) {
		t.Fatalf("round trip = %+v, want %+v", got, mods)
	}
}

func TestIsMalformed_WrappedError(t *testing.T) {
	err := fmt.Errorf("propose attempt 2: %w", malformedf("missing section"))
	if !IsMalformed(err) {
		t.Fatalf("IsMalformed() = false for wrapped *MalformedError")
	}
	if IsMalformed(errors.New("timeout")) {
		t.Fatalf("IsMalformed() = true for unrelated error")
	}
}
