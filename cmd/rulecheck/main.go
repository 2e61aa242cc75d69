// Command rulecheck validates a condition expression from the command
// line, for checking rules before loading them into the engine.
//
//	rulecheck 'price > ma20 && rsi14 < 30'
package main

import (
	"fmt"
	"os"

	"github.com/twkanban/kanban-engine/internal/rules"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: rulecheck '<expression>'")
		os.Exit(2)
	}

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build evaluator: %v\n", err)
		os.Exit(1)
	}

	if err := evaluator.ValidateExpression(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}
