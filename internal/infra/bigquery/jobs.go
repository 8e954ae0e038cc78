package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

// runAndWait runs q, waits for it and returns the finished job.
func runAndWait(ctx context.Context, q *bigquery.Query) (*bigquery.Job, *bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, nil, fmt.Errorf("job error: %w", err)
	}

	return job, status, nil
}

// affectedRows returns the number of rows a finished DML job changed.
func affectedRows(status *bigquery.JobStatus) int64 {
	if status == nil || status.Statistics == nil {
		return 0
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows
	}
	return 0
}

// readAll drains a row iterator into T values.
func readAll[T any](it *bigquery.RowIterator) ([]T, error) {
	var rows []T
	for {
		var r T
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// read runs q and drains its result.
func read[T any](ctx context.Context, q *bigquery.Query) ([]T, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}
	return readAll[T](it)
}
