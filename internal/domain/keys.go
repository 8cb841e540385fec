package domain

import "fmt"

func GraphKey(graphID string) string {
	return fmt.Sprintf("graph:%s", graphID)
}

func ExecutionKey(executionID string) string {
	return fmt.Sprintf("execution:%s", executionID)
}

// ExecutionIndexKey orders a graph's runs by start time so a prefix scan
// returns them chronologically.
func ExecutionIndexKey(graphID string, startedAtNano int64, executionID string) string {
	return fmt.Sprintf("%s%020d:%s", ExecutionIndexPrefix(graphID), startedAtNano, executionID)
}

func ExecutionIndexPrefix(graphID string) string {
	return fmt.Sprintf("graph-executions:%s:", graphID)
}
