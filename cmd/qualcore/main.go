// qualcore is the CLI over the project state engine. Each invocation runs
// one operation to completion; concurrency between invocations is handled
// by the engine's file locking.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"qualcore/pkg/engine"
	"qualcore/pkg/state"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(engine.ExitValidationError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if command == "help" || command == "-h" || command == "--help" {
		printUsage()
		return
	}

	os.Exit(run(command, args))
}

func run(command string, args []string) int {
	// ContinueOnError so a bad flag maps to the validation exit code
	// instead of the flag package's os.Exit(2), which is reserved for
	// lock timeouts.
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	projectRoot := fs.String("root", ".", "Project root directory")

	var (
		name          = fs.String("name", "", "Project name (init)")
		ontology      = fs.String("ontology", "", "Ontological stance (init)")
		epistemology  = fs.String("epistemology", "", "Epistemological stance (init)")
		docID         = fs.String("doc", "", "Document id (record-doc)")
		newCodes      = fs.Int("new-codes", 0, "New codes in the document (record-doc)")
		codeID        = fs.String("code", "", "Code id (record-refinement)")
		changeType    = fs.String("change", "", "Change type: split, merge, redefinition (record-refinement)")
		rationale     = fs.String("rationale", "", "Rationale for the change (record-refinement)")
		score         = fs.Float64("score", -1, "Signal value in [0,1] (update-redundancy, update-coverage)")
		notes         = fs.String("notes", "", "Notes on the judgment (update-redundancy)")
		ruleID        = fs.String("rule", "", "Rule id (evaluate-rule, override)")
		justification = fs.String("justification", "", "Override justification (override)")
		target        = fs.String("to", "", "Target phase (transition)")
		allowRevert   = fs.Bool("allow-revert", false, "Permit moving to an earlier phase (transition)")
		limit         = fs.Int("n", 20, "Number of events to show (history)")
	)
	if err := fs.Parse(args); err != nil {
		return engine.ExitValidationError
	}

	eng, err := engine.New(*projectRoot)
	if err != nil {
		return fail(eng, err)
	}
	defer eng.Close()

	ctx := context.Background()

	switch command {
	case "init":
		st, err := eng.InitProject(ctx, *name, state.Stance{
			Ontology:     *ontology,
			Epistemology: *epistemology,
		})
		if err != nil {
			return fail(eng, err)
		}
		return emit(st)

	case "status":
		st, err := eng.LoadState(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st)

	case "record-doc":
		st, err := eng.RecordCodedDocument(ctx, *docID, *newCodes)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.CodingProgress)

	case "record-refinement":
		st, err := eng.RecordRefinement(ctx, *codeID, *changeType, *rationale)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.Saturation.Signals.Refinements)

	case "update-redundancy":
		st, err := eng.UpdateRedundancy(ctx, *score, *notes)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.Saturation.Signals)

	case "update-coverage":
		st, err := eng.UpdateCoverage(ctx, *score)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.Saturation.Signals)

	case "assess":
		assessment, err := eng.AssessSaturation(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(assessment)

	case "generate-rules":
		generated, err := eng.GenerateRules(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(generated)

	case "rules":
		summaries, err := eng.Rules(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(summaries)

	case "evaluate-rule":
		status, err := eng.EvaluateRule(ctx, *ruleID)
		if err != nil {
			return fail(eng, err)
		}
		fmt.Println(status)
		return engine.ExitOK

	case "override":
		result, err := eng.RecordOverride(ctx, *ruleID, *justification)
		if err != nil {
			return fail(eng, err)
		}
		return emit(result)

	case "transition":
		st, err := eng.TransitionPhase(ctx, *target, *allowRevert)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.SandwichStatus)

	case "complete-first-pass":
		st, err := eng.CompleteFirstPass(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.SandwichStatus)

	case "reload-design":
		st, err := eng.ReloadDesign(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st.Rules)

	case "recover":
		st, err := eng.Recover(ctx)
		if err != nil {
			return fail(eng, err)
		}
		return emit(st)

	case "history":
		events, skipped, err := eng.History(ctx, *limit)
		if err != nil {
			return fail(eng, err)
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "warning: skipped %d malformed log lines\n", skipped)
		}
		return emit(events)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		return engine.ExitValidationError
	}
}

// fail prints the operation error and maps it to the exit code contract.
func fail(eng *engine.Engine, err error) int {
	backup := ""
	if eng != nil {
		backup = eng.BackupPath()
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", engine.Explain(err, backup))
	return engine.ExitCode(err)
}

func emit(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to render output: %v\n", err)
		return engine.ExitValidationError
	}
	fmt.Println(string(data))
	return engine.ExitOK
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `qualcore - project state and methodological rule engine

Usage: qualcore <command> [flags]

Commands:
  init                 Create a project (reads design.yaml when present)
  status               Print the current project state
  record-doc           Register a coded document (-doc, -new-codes)
  record-refinement    Register a code definition change (-code, -change, -rationale)
  update-redundancy    Store a redundancy judgment (-score, -notes)
  update-coverage      Store a coverage ratio (-score)
  assess               Score saturation and persist the assessment
  generate-rules       Regenerate rules from the stored design
  rules                Show every rule with derived status and response
  evaluate-rule        Print a rule's status for the current phase (-rule)
  override             Record a justified rule override (-rule, -justification)
  transition           Move to a phase (-to, -allow-revert)
  complete-first-pass  Mark the foundation coding pass done
  reload-design        Re-read design.yaml and regenerate rules
  recover              Restore the state file from its rolling backup
  history              Show recent events (-n)

Common flags:
  -root string         Project root directory (default ".")

Exit codes: 0 success, 1 validation error, 2 lock timeout (retry), 3 corrupt state.
`)
}
