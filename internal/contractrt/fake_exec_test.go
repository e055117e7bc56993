package contractrt

import (
	"context"
	"fmt"
)

// fakeExec is a minimal in-memory SQLExecutor stand-in: it just counts
// calls and lets a test assert on the statements it received, since
// contract SQL itself is out of scope for these tests.
type fakeExec struct {
	execs   []string
	execErr error
}

func (f *fakeExec) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if f.execErr != nil {
		return 0, f.execErr
	}
	f.execs = append(f.execs, fmt.Sprintf("%s %v", query, args))
	return 1, nil
}

func (f *fakeExec) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return nil, nil
}
