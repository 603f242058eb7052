package reconcile

import "github.com/carelane-ai/intake/pkg/common/models"

// Symptom report statuses move forward only:
// new -> reviewed -> in_progress -> resolved | addressed,
// with a direct new -> resolved | addressed shortcut when a report is closed
// without triage.
var allowedTransitions = map[models.ReportStatus][]models.ReportStatus{
	models.ReportNew:        {models.ReportReviewed, models.ReportResolved, models.ReportAddressed},
	models.ReportReviewed:   {models.ReportInProgress},
	models.ReportInProgress: {models.ReportResolved, models.ReportAddressed},
}

func validTransition(from, to models.ReportStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validReportStatus(status models.ReportStatus) bool {
	switch status {
	case models.ReportNew, models.ReportReviewed, models.ReportInProgress,
		models.ReportResolved, models.ReportAddressed:
		return true
	}
	return false
}
