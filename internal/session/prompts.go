package session

import (
	"fmt"
	"strings"

	"mendloop/internal/experience"
	"mendloop/internal/sandbox"
)

// Prompt text for both session kinds. The wording is part of the behavioral
// contract: the extraction and review parsers expect responses shaped by
// these exact instructions, so edits here must be mirrored there.

// regressionFileLimit caps how many lines of an existing project test file
// are shown to the oracle.
const regressionFileLimit = 1000

// =============================================================================
// TEST SESSION PROMPTS
// =============================================================================

const testSystemPromptFmt = "You are an experienced software engineer responsible for writing a test script for an issue reported in your GitHub project %s.\n" +
	"Do NOT implement any fixes, you are ONLY interested in writing a test script."

const proposeTestPrefix = "Please analyze the issue description to understand the core problem. Based on your analysis, write a standalone Python script `test.py` to reproduce the issue. " +
	"The script will be put in the root directory of the project and executed by `python3 test.py`."

const reviseTestPrefix = "Review the test script you have written and its execution result. Then, incorporating the suggestions, write a correct test script to reproduce the issue."

// testOutputFormat is the printed-report shape every test script must
// follow; the reproduction judge reads it back.
const testOutputFormat = `"""
### Test 1:
Input:
<printed input>
Output:
<printed output>

### Test 2:
Input:
<printed input>
Output:
<printed output>

### Test 3:
...
"""`

const wrapScriptLine = "Explain your reasoning first, and then provide the script wrapped with " + "```python(...)```"

const writeTestRequirements = `
Requirements:
1. Review the existing project test file to understand the conventions, standards, and formats used for test inputs.
2. The script should be **minimal and self-contained**, including only the essential **test inputs** necessary to trigger or expose the issue, along with all required imports, dummy data, and setup to ensure the test inputs are runnable.
3. Each input must be executed individually inside a try-except block to safely catch exceptions and prevent one failure from interrupting the rest of the test inputs.
4. Print output of each test input following the strict format:
` + testOutputFormat + `

` + wrapScriptLine

const writeTestRequirementsWithExampleFmt = `
Requirements:
1. Review the existing project test file to understand the conventions, standards, and formats used for test inputs.
2. The script should be **minimal and self-contained**, including only the essential **test inputs** necessary to trigger or expose the issue, along with all required imports, dummy data, and setup to ensure the test inputs are runnable.
3. Each input must be executed individually inside a try-except block to safely catch exceptions and prevent one failure from interrupting the rest of the test inputs.
4. Print output of each test input following the strict format:
` + testOutputFormat + `

Below is an example test script for another issue:
` + "```python" + `
%s
` + "```" + `

` + wrapScriptLine

const differentialRequirementsFmt = `Here is the reproduction script, along with its execution results when run on the original buggy program:
### Reproduction Script:
` + "```python" + `
%s
` + "```" + `
### Execution Result:
%s

The reproduction script is intended to reproduce or expose the reported issue. However, it may not be sufficient to verify whether a patch fully resolves the issue without introducing unintended side effects. Your team has developed a set of candidate patches that all pass the reproduction script, but it remains unclear which one is the most reliable.

Your task is to write a standalone Python script ` + "`test.py`" + ` that performs **differential testing** by adding multiple diverse **test inputs** beyond the reproduction case.

Requirements:
1. The script must be self-contained. It should follow the same setup (imports, dependencies, object initializations, etc.) as the reproduction script, and include any additional setup necessary to ensure that the new test inputs are runnable.
2. Develop Test Inputs:
   - Review the existing project test file to understand the conventions, standards, and formats used for test inputs.
   - Include up to 8 additional test inputs related to the issue, covering a variety of scenarios such as edge cases and issue-specific regression risks, to ensure comprehensive coverage.
   - You are encouraged to select relevant test inputs from existing test files to prevent regressions.
3. Each input must be executed individually inside a try-except block to safely catch exceptions and prevent one failure from interrupting the rest of the test inputs.
4. Print output of each test input following the strict format:
` + testOutputFormat + `

` + wrapScriptLine

const differentialRequirementsNoRepro = `Your task is to write a standalone Python script ` + "`test.py`" + ` that performs **differential testing** by including multiple diverse **test inputs**.

Requirements:
1. Develop Test Inputs:
   - Review the existing project test file to understand the conventions, standards, and formats used for test inputs.
   - Include up to 8 test inputs related to the issue, covering a variety of scenarios such as edge cases and issue-specific regression risks, to ensure comprehensive coverage.
   - You are encouraged to select relevant test inputs from existing test files to prevent regressions.
2. The script should be **self-contained**, including all required imports, dummy data, and setup to ensure the test inputs are runnable.
3. Each input must be executed individually inside a try-except block to safely catch exceptions and prevent one failure from interrupting the rest of the test inputs.
4. Print output of each test input following the strict format:
` + testOutputFormat + `

` + wrapScriptLine

// =============================================================================
// PATCH SESSION PROMPTS
// =============================================================================

const patchSystemPromptFmt = `You are a software developer maintaining the GitHub project %s.
You are working on an issue submitted to your project.
The issue contains a description marked between <issue> and </issue>.
Another developer has already collected code context related to the issue for you.
Your task is to write a patch that resolves this issue.
Do not make changes to test files or write tests; you are only interested in crafting a patch.`

const proposePatchPrefix = "Your task is to analyze and resolve the given GitHub issue in two phases:"

const revisePatchPrefix = "Review the generated patch and its feedback. Then, incorporating the suggestions, propose a refined patch to resolve the given issue."

// modificationRules and patchFormatExample spell the modification-stanza
// contract shared by every patch-producing prompt. The stanza parser and the
// harness applier both rely on responses honoring it.
const modificationRules = "- Each modification must be enclosed in:\n" +
	"  - `<file>...</file>`: replace `...` with actual file path.\n" +
	"  - `<original>...</original>`: replace `...` with the original code snippet from the provided code locations.\n" +
	"  - `<patched>...</patched>`: replace `...` with the fixed version of the original code.\n" +
	"- The `<original>` block must contain an exact, continuous block of code from the provided code locations, as the system relies on this for locating modifications.\n" +
	"- When adding original code and patched code, pay attention to indentation, as the code is in Python.\n" +
	"- DO NOT include line numbers in the patch.\n"

const patchFormatExample = "EXAMPLE PATCH FORMAT:\n" +
	"# modification 1\n" +
	"```\n" +
	"<file>...</file>\n" +
	"<original>...</original>\n" +
	"<patched>...</patched>\n" +
	"```\n" +
	"\n" +
	"# modification 2\n" +
	"```\n" +
	"<file>...</file>\n" +
	"<original>...</original>\n" +
	"<patched>...</patched>\n" +
	"```\n" +
	"\n" +
	"# modification 3\n" +
	"```\n" +
	"...\n" +
	"```\n"

const writePatchRequirements = `
### Phase 1: FIX ANALYSIS
1. Review the issue description and state clearly what the problem is.
2. Review the test script and its execution results, and state clearly how the test reproduces the issue.
3. Analyze the provided code context and specify where the problem occurs in the code.
4. State clearly the best practices to take into account in the fix.
5. State clearly how to fix the problem.

### Phase 2: FIX IMPLEMENTATION
1. Focus on making minimal, precise, and relevant changes to resolve the issue.
2. Include any necessary imports introduced by the patch.
3. Write the patch using the strict format specified below:
` + modificationRules + `- You can write up to three modifications if needed.

` + patchFormatExample

const writePatchRequirementsNoTest = `
### Phase 1: FIX ANALYSIS
1. Review the issue description and state clearly what the problem is.
2. Analyze the provided code context and specify where the problem occurs in the code.
3. State clearly the best practices to take into account in the fix.
4. State clearly how to fix the problem.

### Phase 2: FIX IMPLEMENTATION
1. Focus on making minimal, precise, and relevant changes to resolve the issue.
2. Include any necessary imports introduced by the patch.
3. Write the patch using the strict format specified below:
` + modificationRules + `- You can write up to three modifications if needed.

` + patchFormatExample

const expandAnalysisPrompt = `However, the reproduction test is designed solely to reproduce the reported issue. Passing this test does not necessarily indicate that the issue has been fully resolved or that the patch is free from unintended side effects.
Your task is to carefully analyze the given candidate patch and provide detailed, actionable suggestions to improve its **comprehensiveness** in fully resolving the issue.

### Steps:
1. Review the issue description to thoroughly understand the core problem.
2. Identify any potential flaws or limitations in the candidate patch, including but not limited to:
   - Missed edge cases or scenarios the patch does not cover.
   - Missing complementary implementations (e.g., defining ` + "`__radd__`" + ` when adding ` + "`__add__`" + `, or pairing ` + "`max()`" + ` with ` + "`min()`" + ` if appropriate).
   - Risks of regressions or unintended side effects in related functionalities.
   - Non-adherence to best practices (e.g., poor error handling, inconsistent adherence to coding conventions).
3. Based on your analysis, propose clear and actionable improvement suggestions.
   - You can suggest either improvements to the existing patch or a new implementation in a different location if necessary.
   - Suggestions must aim to make a **meaningful, functional improvement** to the candidate patch.
   - Avoid superficial changes such as documentation edits, unrelated code refactoring, or restating existing patches.

Wrap your analysis process in <analysis> tags, and provide the suggestions in <advice> tags.
### Output Format:
<analysis>...</analysis>
<advice>...</advice>
`

const compressAnalysisPrompt = `However, the reproduction test is designed solely to reproduce the reported issue. Passing this test does not necessarily indicate that the issue has been fully resolved or that the patch is free from unintended side effects.
Your task is to carefully analyze the given candidate patch and provide detailed, actionable suggestions to improve its **effectiveness and simplicity** in resolving the issue.

### Steps:
1. Review the issue description to thoroughly understand the core problem.
2. Identify any potential flaws or limitations in the candidate patch, including but not limited to:
   - Overly complex solutions, where certain modifications are unnecessary and can be removed without affecting correctness.
   - Indirect, convoluted implementations that could be replaced with cleaner, more direct alternatives.
   - Risks of regressions or unintended side effects in related functionalities.
   - Non-adherence to best practices (e.g., lack of simplicity, inconsistent adherence to coding conventions).
3. Based on your analysis, propose clear and actionable improvement suggestions.
   - You can suggest either improvements to the existing patch or a new implementation in a different location if necessary.
   - Suggestions must aim to make a **meaningful, functional improvement** to the candidate patch.
   - Avoid superficial changes such as documentation edits, unrelated code refactoring, or restating existing patches.

Wrap your analysis process in <analysis> tags, and provide the suggestions in <advice> tags.
### Output Format:
<analysis>...</analysis>
<advice>...</advice>
`

const rewriteWithSuggestionsFmt = `However, the reproduction test is designed solely to reproduce the reported issue. Passing this test does not necessarily indicate that the issue has been fully resolved or that the patch is free from unintended side effects.
Below are the analysis and improvement suggestions for the candidate patch provided by your colleague:
%s

Your task is to propose a refined patch based on the provided analysis and improvement suggestions.
Steps:
1. Carefully review the provided analysis and suggestions to identify specific areas for improvement in the candidate patch.
2. Propose a refined patch that addresses the identified limitations. Clearly explain how each suggestion leads to the specific modifications you propose.

Output Format:
Explain your reasoning step by step, then write your patch using the following strict format:
` + modificationRules + `- You can write UP TO THREE modifications if needed.
- Include any necessary imports required by your patch.

` + patchFormatExample

const refineInstructionsFmt = `Your task is to propose a new, correct patch that fully resolves the issue based on the provided analysis and improvement suggestions.

Steps:
1. Carefully review the provided analysis and suggestions to identify specific areas for improvement in the candidate patch.
2. Propose a new, correct patch to resolve the issue. Clearly explain how each suggestion leads to the specific modifications you propose.

%s

Output Format:
Explain your reasoning step by step, then write your refined patch using the following strict format:
` + modificationRules + `- You can write UP TO THREE modifications if needed.
- Include any necessary imports required by your patch.

` + patchFormatExample

// =============================================================================
// PROMPT COMPOSITION
// =============================================================================

// issueBlock wraps the issue text in the delimiters both system prompts
// reference.
func issueBlock(issue string) string {
	return "<issue>\n" + strings.TrimSpace(issue) + "\n</issue>"
}

// regressionFilePrompt shows an existing project test file, truncated to
// keep pathological files from swamping the context window.
func regressionFilePrompt(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > regressionFileLimit {
		lines = lines[:regressionFileLimit]
	}
	trimmed := strings.TrimSpace(strings.Join(lines, "\n"))
	return "Here is an existing project test file:\n```\n" + trimmed + "\n```"
}

// reproductionReport introduces the accepted test script to the patch
// oracle together with its baseline execution.
func reproductionReport(test string, result *sandbox.ExecutionResult) string {
	return "Below is the reproduction script written by your colleague, along with its execution results on the original buggy program:\n" +
		"```python\n" + test + "\n```\n" +
		"Execution Results:\nSTDOUT:\n" + strings.TrimSpace(result.Stdout) +
		"\nSTDERR:\n" + strings.TrimSpace(result.Stderr)
}

// codeContextPrompt frames collected buggy locations for the patch oracle.
func codeContextPrompt(locations string) string {
	return "Here are the possible buggy locations from the original program collected by someone else.\n" +
		locations +
		"Note that you DO NOT NEED to modify every location; you should think what changes " +
		"are necessary for resolving the issue, and only propose those modifications."
}

// candidatePatchBlock presents a passing candidate for expansion or
// compression analysis.
func candidatePatchBlock(patch string) string {
	return "This is a candidate patch provided by your colleague that has successfully passed an initial reproduction test:\n" +
		"### Patch:\n```python\n" + strings.TrimSpace(patch) + "\n```\n"
}

// analysisSuggestions renders one reviewer slot's output for the rewrite
// prompt.
func analysisSuggestions(analysis, advice string) string {
	return "### Analysis:\n" + strings.TrimSpace(analysis) +
		"\n### Suggestions:\n" + strings.TrimSpace(advice)
}

// testRunReport and patchRunReport are the two halves of the refinement
// context: the verification test against the pristine checkout, then the
// failing candidate against the patched one.
func testRunReport(test string, result *sandbox.ExecutionResult) string {
	return "Here is the reproduction test script and its execution result on the original buggy program, before any patches were applied:\n" +
		"### Test:\n```python\n" + strings.TrimSpace(test) + "\n```\n" +
		"### stdout:\n" + strings.TrimSpace(result.Stdout) + "\n" +
		"### stderr:\n" + strings.TrimSpace(result.Stderr) + "\n\n"
}

func patchRunReport(patch string, result *sandbox.ExecutionResult) string {
	return "Here is the patch you have written and the execution results from running the above test script after applying it:\n" +
		"### Patch:\n```python\n" + strings.TrimSpace(patch) + "\n```\n" +
		"### stdout:\n" + strings.TrimSpace(result.Stdout) + "\n" +
		"### stderr:\n" + strings.TrimSpace(result.Stderr) + "\n\n"
}

// colleagueReview frames the reject analysis that motivates a refinement.
func colleagueReview(analysis, advice string) string {
	return "Your colleague believes this patch does not fully resolve the above issue. " +
		"Below is their analysis and suggestions:\n" +
		"### Analysis:\n" + strings.TrimSpace(analysis) + "\n" +
		"### Suggestions:\n" + strings.TrimSpace(advice)
}

// refineExampleSection renders retrieved wrong-patch/correct-patch pairs.
// The header is always present; retrieval coming back empty just leaves the
// section without examples.
func refineExampleSection(examples []experience.Record) string {
	var b strings.Builder
	b.WriteString("Here are examples of your colleague refining incorrect patches into correct ones for other issues:\n")
	for i, ex := range examples {
		if i >= 1 {
			break
		}
		fmt.Fprintf(&b, "=== Example %d ===\n", i+1)
		b.WriteString("### Wrong Patch:\n```python\n" + strings.TrimSpace(ex.OldArtifact) + "\n```\n\n")
		b.WriteString("### Correct Patch:\n```python\n" + strings.TrimSpace(ex.NewArtifact) + "\n```")
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// testRejectionFeedback composes the feedback registered against a test the
// judge rejected: the execution transcript, the judge's analysis and
// advice, and up to one retrieved repair example from another issue.
func testRejectionFeedback(result *sandbox.ExecutionResult, analysis, advice string, examples []experience.Record) string {
	var b strings.Builder
	b.WriteString("The following results were obtained by executing the test script on the original buggy program:\n")
	fmt.Fprintf(&b, "### Execution Results:\n%s\n%s\n", strings.TrimSpace(result.Stdout), strings.TrimSpace(result.Stderr))
	fmt.Fprintf(&b, "### Analysis:\n%s\n\nAs a result, the test script failed to reproduce the issue.\n\n", strings.TrimSpace(analysis))
	fmt.Fprintf(&b, "### Suggestions for correcting the test script:\n%s\n\n###\n\n", strings.TrimSpace(advice))
	b.WriteString("When writing test scripts for other issues, you met some similar errors, but you finally addressed them. Here are some examples:\n")
	for i, ex := range examples {
		if i >= 1 {
			break
		}
		fmt.Fprintf(&b, "=== Example %d ===\n", i+1)
		b.WriteString("### Incorrect Script:\n```python\n" + strings.TrimSpace(ex.OldArtifact) + "\n```\n")
		b.WriteString("### Correct Script:\n```python\n" + strings.TrimSpace(ex.NewArtifact) + "\n```")
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
