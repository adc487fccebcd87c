// Package tools provides the built-in document, spreadsheet and image
// executors. They write plain local files and exist so a bare install can
// run workflows end to end without an external MCP tool server; when one is
// configured its executors take the same (tool, action) slots instead.
package tools

import (
	"github.com/nodelab/conduct/internal/router"
)

// RegisterBuiltin registers the built-in executor suites. Pairs already
// taken in the registry cause an error, so built-ins must be registered
// before or instead of an MCP provider, not after.
func RegisterBuiltin(registry *router.Registry) error {
	suites := [][]router.Executor{
		NewDocumentSuite().Executors(),
		NewSpreadsheetSuite().Executors(),
		NewImageSuite().Executors(),
	}
	for _, suite := range suites {
		for _, exec := range suite {
			if err := registry.Register(exec); err != nil {
				return err
			}
		}
	}
	return nil
}
