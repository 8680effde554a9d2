package dispatcher

import (
	"context"
	"os"
	"strings"
	"sync"

	"flagwatch/logger"

	"github.com/schollz/progressbar/v3"
)

// BackfillReport totals one backfill pass.
type BackfillReport struct {
	Files      int
	Failed     int
	FlagsSaved int
}

// Backfill processes snapshots that already existed before watching began,
// in the given order, with the same concurrency bound and counters as Run.
// It returns once every started unit has finished.
func (d *Dispatcher) Backfill(ctx context.Context, paths []string) BackfillReport {
	var report BackfillReport
	if len(paths) == 0 {
		return report
	}
	logger.Infof("Backfilling %d existing snapshot(s)", len(paths))

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Backfilling snapshots"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)

	var mu sync.Mutex
	var unitWG sync.WaitGroup
	done := func(res Result) {
		defer unitWG.Done()
		mu.Lock()
		report.Files++
		if IsUnitFailure(res.Err) {
			report.Failed++
		}
		report.FlagsSaved += res.SavedCount()
		mu.Unlock()
		_ = bar.Add(1)
	}
	for _, path := range paths {
		unitWG.Add(1)
		if !d.dispatch(ctx, path, done) {
			unitWG.Done()
			break
		}
	}
	unitWG.Wait()
	_ = bar.Finish()
	logger.Infof("Backfill complete: %d file(s), %d failed, %d flag(s) saved", report.Files, report.Failed, report.FlagsSaved)
	return report
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("FLAGWATCH_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
