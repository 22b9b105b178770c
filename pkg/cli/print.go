package cli

import (
	"github.com/getmockd/rpcgate/pkg/cli/internal/output"
)

// printResult writes data as JSON when --json is set and runs textFn
// otherwise.
func (o *rootOptions) printResult(data any, textFn func()) error {
	if o.jsonOutput {
		return output.JSON(o.out, data)
	}
	textFn()
	return nil
}
