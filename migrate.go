package xlmigrate

import (
	"context"
	"errors"
)

// MigrateFile loads the rules at specPath, applies them to the workbook at
// srcPath and saves the result to outPath. The output is saved even when the
// run is aborted, holding every row completed before the abort.
func MigrateFile(ctx context.Context, specPath, srcPath, outPath string, opts ...Option) (*Summary, error) {
	rs, err := LoadFile(specPath)
	if err != nil {
		return nil, err
	}
	src, err := OpenWorkbook(srcPath, opts...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	sink := NewWorkbookSink()
	defer sink.Close()

	sum, runErr := NewEngine(rs, opts...).Run(ctx, src, sink)
	if err := sink.Save(outPath); err != nil {
		return sum, errors.Join(runErr, err)
	}
	return sum, runErr
}
