package review

import (
	"fmt"
	"strings"

	"mendloop/internal/sandbox"
)

// Prompt text for the three review stages. Wording is load-bearing: the tag
// parsers in internal/extract expect responses shaped by these exact
// instructions.

// testerSystemPromptFmt mirrors the test session's system prompt. The
// reproduction judge replays the proposal exchange as the tester's own
// conversation, so the persona must match.
const testerSystemPromptFmt = "You are an experienced software engineer responsible for writing a test script for an issue reported in your GitHub project %s.\n" +
	"Do NOT implement any fixes, you are ONLY interested in writing a test script."

const selectSystemPromptFmt = "You are an experienced software engineer responsible for maintaining the GitHub project %s.\n" +
	"An issue has been submitted.\n" +
	"Engineer A has provided a reproduction test script intended to reproduce and demonstrate the issue.\n" +
	"Engineer B has proposed several candidate patches to resolve the issue.\n" +
	"Your task is to evaluate the candidate patches and select the best one."

const analyzeSystemPromptFmt = "You are an experienced software engineer responsible for maintaining the GitHub project %s.\n" +
	"An issue has been submitted.\n" +
	"Engineer A has written a test script designed to reproduce the issue. " +
	"Engineer B has written a patch to resolve the issue.\n" +
	"Your task is to assess whether the patch fully resolves the issue.\n" +
	"NOTE: both the test and the patch may be wrong."

const selectInstructions = `Since both the reproduction test and candidate patches may be wrong, you must comprehensively analyze both - do not judge patches solely based on test execution results.
Your task is to:
1. Evaluate the Reproduction Test:
   - For each test case, determine whether its input is valid for verifying the patch. Some test inputs might be invalid, i.e., meaning that even if the patch is correct and the issue is resolved, these tests would still produce incorrect or error outputs.
   - If a test is invalid, exclude it from consideration and do not use its result to judge the patch.
   - If valid, determine the expected correct behavior based on the issue description.
2. Evaluate Candidate Patches:
   - For each valid test input, compare the output produced by each patch against the expected correct behavior.
   - Double check: refer to the pre-patch output to confirm the issue's presence and whether it has been resolved.
3. Score and Rank Patches:
   - Assess each candidate patch comprehensively based on the criteria below.
   - Prioritize patches by overall quality and identify those that fully resolve the core issue.

### Evaluation Criteria:
Bug Fixing Score (0-2):
   0: Incorrect: changes do not fix the issue.
   1: Partially correct: changes address some cases but are incomplete.
   2: Fully correct: changes completely fix the issue.

### Analysis Format:
<test_analysis>
  <test_case_number>[Number]</test_case_number>
  <input_valid_analysis>
    [Analysis of whether this test input is valid for issue verification]
    <decision>[valid|invalid]</decision>
  </input_valid_analysis>
</test_analysis>

<patch_analysis>
  <patch_number>[Number]</patch_number>
  <bug_fixing_analysis>
    [Analysis of whether this patch resolves the core issue]
    <score>[0-2]</score>
  </bug_fixing_analysis>
</patch_analysis>

### Patch Quality Considerations:
1. Effectiveness in resolving the core issue
2. Handling of edge cases
3. Implementation quality
4. Potential regression risks

### Final Output Format:
<rank_patch>[Ranked list of patch numbers from best to worst]</rank_patch>
<correct_patch>[List of patch numbers that fully resolve the issue]</correct_patch>

Note:
- In the ` + "`<rank_patch>`" + ` field, list patch numbers ordered by overall quality, e.g., [3, 1, 0, 2].
- In the ` + "`<correct_patch>`" + ` field, include patch numbers with a **bug fixing score of 2**. If none qualify, use [].
- Ensure that your reasoning fully justifies each score and that the final rankings are logically consistent with your evaluations.
`

const analyzeInstructions = `The candidate patch appears to be insufficient in fully resolving the issue, as the execution results indicate that the issue persists even after applying the patch.
Your task is to carefully analyze the patch and provide detailed, actionable suggestions for improving the patch's correctness and reliability in resolving the issue.

### Steps:
1. Review the issue description to understand the core problem and determine the expected correct behavior for each test case after the issue is resolved.
2. Examine the candidate patch to understand its intended fix strategy and how it attempts to address the issue.
3. Compare the execution results before and after applying the patch. Identify which errors, test failures, or unexpected behaviors persist and why the patch failed to resolve them.
4. For the tests that the patch failed, propose targeted and actionable suggestions:
   - You may suggest improvements to the existing patch or propose alternative fixes at different locations if necessary.
   - Suggestions must aim to make a **meaningful, functional improvement** to the candidate patch.
   - Avoid superficial changes such as documentation edits, unrelated code refactoring, or restating existing patches.
   - When possible, ensure suggestions align with the project's existing coding style and structure.

Wrap your analysis process in <patch_analysis> tags, and provide the suggestions in <patch_advice> tags.
### Output Format:
<patch_analysis>...</patch_analysis>
<patch_advice>...</patch_advice>
`

const judgeOutputFormat = `Explain your reasoning, and then provide the response in the following format:

### Output Format:
<test_analysis>...</test_analysis>
<test_correct>[YES|NO]</test_correct>
<test_advice>...</test_advice>

Field Descriptions:
1. In the "test_analysis" field, provide a detailed analysis of the test script's execution outcomes, explaining which parts (if any) expose the issue, which fail due to unrelated errors, and the implications.
2. In the "test_correct" field:
   - Indicate "YES" if (1) the script prints all test inputs and outputs clearly; and (2) test outputs behave as expected for its intended purpose.
   - Otherwise, indicate "NO" if any test input produces unrelated errors (e.g., missing dependencies, setup errors, irrelevant exceptions) or fails to reflect the issue's described symptoms.
3. In the "test_advice" field:
   - If "test_correct" is "YES", leave this field empty.
   - If "test_correct" is "NO", provide clear, actionable suggestions for improving or correcting the test script.

Note: The current runtime environment and its package versions cannot be modified, and no additional packages can be installed. If certain packages are unavailable, the script should focus on confirming or exposing the issue without relying on those missing packages.
`

// =============================================================================
// PROMPT COMPOSITION
// =============================================================================

func issueIntro(issue string) string {
	return "Here is the issue:\n<issue>\n" + strings.TrimSpace(issue) + "\n</issue>"
}

// issueDescriptionIntro is the test session's variant of the issue turn,
// used when the judge replays that conversation.
func issueDescriptionIntro(issue string) string {
	return "Here is the issue description:\n<issue>\n" + strings.TrimSpace(issue) + "\n</issue>"
}

// testScriptBlock is the assistant turn the judge thread attributes to the
// tester.
func testScriptBlock(test string) string {
	return "### Test Script:\n```python\n" + test + "\n```"
}

func locationsIntro(codeContext string) string {
	return "Here are the possible buggy locations:\n" + codeContext
}

// judgeInstructions presents the baseline execution and asks for the
// three-tag reproduction verdict.
func judgeInstructions(result *sandbox.ExecutionResult) string {
	return "The above test script, including only test inputs, was designed to expose the reported issue. " +
		"It has been executed on the original buggy program before applying any patch. " +
		"The execution results are as follows:\n" +
		"### Stdout:\n" + strings.TrimSpace(result.Stdout) + "\n" +
		"### Stderr:\n" + strings.TrimSpace(result.Stderr) + "\n\n###\n\n" +
		"Please review the issue description, the test script, and the execution results. " +
		"Then, assess (1) whether the script clearly prints each test input and its corresponding output; " +
		"(2) whether each test output behaves as expected for its intended purpose: " +
		"either reproducing the symptoms, exceptions, or faulty behaviors explicitly described in the issue description (if designed to do so), " +
		"or executing successfully without unrelated errors (if not intended to trigger the issue).\n\n" +
		judgeOutputFormat
}

// candidatesReport renders the selection evidence: the test, its baseline
// run, and every candidate with the run recorded against it.
func candidatesReport(test string, baseline *sandbox.ExecutionResult, trials []Trial) string {
	var b strings.Builder
	b.WriteString("Here is the reproduction test written by Engineer A:\n")
	b.WriteString("### Test:\n```python\n" + strings.TrimSpace(test) + "\n```\n")
	b.WriteString("Here is the result of executing the test on the original buggy program, before any patches were applied:\n")
	fmt.Fprintf(&b, "### stdout:\n%s\n### stderr:\n%s\n\n",
		strings.TrimSpace(baseline.Stdout), strings.TrimSpace(baseline.Stderr))
	b.WriteString("Here are the candidate patches written by Engineer B and the execution results from running the reproduction test after applying them:\n")
	for i, tr := range trials {
		fmt.Fprintf(&b, "### Patch %d:\n```python\n%s\n```\n", i, strings.TrimSpace(tr.Patch))
		fmt.Fprintf(&b, "### stdout:\n%s\n### stderr:\n%s\n\n",
			strings.TrimSpace(tr.Run.Stdout), strings.TrimSpace(tr.Run.Stderr))
	}
	return strings.TrimSpace(b.String())
}

// rejectedTrialReport renders the analysis evidence for a single failing
// candidate.
func rejectedTrialReport(test string, baseline *sandbox.ExecutionResult, trial Trial) string {
	report := "Here is the reproduction test script and its execution result on the original buggy program, before any patches were applied:\n" +
		"### Test:\n```python\n" + strings.TrimSpace(test) + "\n```\n" +
		"### stdout:\n" + strings.TrimSpace(baseline.Stdout) + "\n" +
		"### stderr:\n" + strings.TrimSpace(baseline.Stderr) + "\n\n" +
		"Here is the patch and the execution results from running the above reproduction script after applying it:\n" +
		"### Patch:\n```python\n" + strings.TrimSpace(trial.Patch) + "\n```\n" +
		"### stdout:\n" + strings.TrimSpace(trial.Run.Stdout) + "\n" +
		"### stderr:\n" + strings.TrimSpace(trial.Run.Stderr) + "\n\n"
	return strings.TrimSpace(report)
}
