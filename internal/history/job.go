package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ImportRequest is handed to the import job once a session's history stream
// has gone quiet.
type ImportRequest struct {
	JobID       string    `json:"job_id"`
	AccountID   int64     `json:"account_id"`
	TenantID    int64     `json:"tenant_id"`
	Window      Window    `json:"window"`
	Messages    []Message `json:"messages"`
	RequestedAt time.Time `json:"requested_at"`
}

// Job starts the downstream import. It must not block for the duration of
// the import itself.
type Job interface {
	StartImport(ctx context.Context, req ImportRequest) error
}

// LogJob only logs import requests. It is used when no broker is configured.
type LogJob struct {
	Log *logrus.Entry
}

func (j LogJob) StartImport(_ context.Context, req ImportRequest) error {
	log := j.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"job_id":   req.JobID,
		"messages": len(req.Messages),
	}).Infof("[%d] Import requested (no broker configured)", req.AccountID)
	return nil
}
