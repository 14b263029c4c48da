package analysis

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteText prints the report in the layout of the bench evaluation
// sheets.
func (r Report) WriteText(w io.Writer) error {
	th := r.Thresholds
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	p := func(format string, args ...interface{}) { fmt.Fprintf(tw, format, args...) }

	p("records: %d  kept: %d  dropped (no distance or infinite TTC): %d\n", r.Records, r.Samples, r.Dropped)
	if r.Samples == 0 {
		return tw.Flush()
	}

	p("\n===== Scenario statistics =====\n")
	p("scenario\tsamples\tmean TTC\tmean v_rel\tmean delta\tmisop ratio\taccel ratio\n")
	for _, s := range r.Scenarios {
		p("%d\t%d\t%.3f\t%.3f\t%.3f\t%.4f\t%.4f\n",
			s.ScenarioID, s.Samples, s.MeanTTC, s.MeanVelocity, s.MeanDelta, s.MisoperationRatio, s.AccelRatio)
	}
	p("overall misop ratio: %.4f\n", r.OverallMisoperationRatio)
	p("overall accel ratio: %.4f\n", r.OverallAccelRatio)

	p("\n===== Filtered rows (dist_diff >= %g & ttc <= %g) =====\n", th.RiskDistDiff, th.RiskTTC)
	p("samples: %d\n", r.Filtered)
	if r.Filtered > 0 {
		rows := r.Confusion.Rows()
		p("confusion matrix (truth x predicted, labels [0 1]):\n")
		p("\tpred 0\tpred 1\n")
		p("truth 0\t%d\t%d\n", rows[0][0], rows[0][1])
		p("truth 1\t%d\t%d\n", rows[1][0], rows[1][1])
		p("filtered misop ratio: %.4f\n", r.FilteredMisoperationRatio)
	} else {
		p("no rows satisfy the filter\n")
	}

	p("\n===== Evaluation buckets =====\n")
	p("bucket\tN\tmisop ratio\tmean TTC\tmean dist_diff\tmean delta\taccel ratio\n")
	for _, b := range r.Buckets {
		if b.N == 0 {
			p("%s\t0\t-\t-\t-\t-\t-\n", b.Name)
			continue
		}
		p("%s\t%d\t%.3f\t%.3f\t%.2f\t%.2f\t%.3f\n",
			b.Name, b.N, b.MisoperationRatio, b.MeanTTC, b.MeanDistDiff, b.MeanDelta, b.AccelRatio)
	}

	p("\n===== Rates =====\n")
	p("false positive rate (Normal):\t%.4f\t(FP %d, TN %d)\n", r.FalsePositiveRate, r.FalsePositives, r.TrueNegatives)
	p("high-risk detection rate:\t%.4f\t(TP %d, FN %d)\n", r.HighRiskDetectionRate, r.HighRiskDetected, r.HighRiskMissed)
	p("TTC-only false alarm rate:\t%.4f\t(flagged %d)\n", r.TTCOnlyFalseAlarmRate, r.TTCOnlyFlagged)
	p("TTC-miss ratio:\t%.4f\t(total risk %d)\n", r.TTCMissRatio, r.TotalRisk)
	return tw.Flush()
}
