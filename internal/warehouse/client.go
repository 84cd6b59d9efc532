package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

// Client is the warehouse read/write adapter. One instance per process; the
// SDK client is safe for concurrent use and the server owns its lifetime.
type Client struct {
	bq             *bigquery.Client
	projectID      string
	dataset        string
	instancesTable string
	dlqTable       string
	logger         *slog.Logger
}

func NewClient(ctx context.Context, projectID, dataset, instancesTable, dlqTable string, logger *slog.Logger) (*Client, error) {
	if projectID == "" {
		return nil, errors.New("warehouse: projectId is required")
	}
	bq, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return &Client{
		bq:             bq,
		projectID:      projectID,
		dataset:        dataset,
		instancesTable: instancesTable,
		dlqTable:       dlqTable,
		logger:         logger,
	}, nil
}

func (c *Client) Close() error { return c.bq.Close() }

// Persister returns the single write path for ingestion rows.
func (c *Client) Persister() *Persister {
	inserter := c.bq.Dataset(c.dataset).Table(c.instancesTable).Inserter()
	return NewPersister(inserter, c.logger)
}

func (c *Client) instancesRef() (string, error) {
	return tableRef(c.projectID, c.dataset, c.instancesTable)
}

func (c *Client) dlqRef() (string, error) {
	return tableRef(c.projectID, c.dataset, c.dlqTable)
}

func (c *Client) read(ctx context.Context, q Query) (*bigquery.RowIterator, error) {
	job := c.bq.Query(q.SQL)
	job.Parameters = q.Params
	it, err := job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	return it, nil
}

func (c *Client) readRecords(ctx context.Context, q Query) ([]Record, error) {
	it, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	var rows []Record
	for {
		var rec Record
		err := it.Next(&rec)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("warehouse scan: %w", err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func (c *Client) readCount(ctx context.Context, q Query) (int64, error) {
	it, err := c.read(ctx, q)
	if err != nil {
		return 0, err
	}
	var row struct {
		Total int64 `bigquery:"total"`
	}
	if err := it.Next(&row); err != nil && !errors.Is(err, iterator.Done) {
		return 0, fmt.Errorf("warehouse scan: %w", err)
	}
	return row.Total, nil
}

// exec runs a DML statement and returns the number of affected rows.
func (c *Client) exec(ctx context.Context, q Query) (int64, error) {
	job := c.bq.Query(q.SQL)
	job.Parameters = q.Params
	j, err := job.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("warehouse exec: %w", err)
	}
	status, err := j.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("warehouse exec wait: %w", err)
	}
	if status.Err() != nil {
		return 0, fmt.Errorf("warehouse exec job: %w", status.Err())
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows, nil
	}
	return 0, nil
}

// StudySummary is one row of the studies.search projection.
type StudySummary struct {
	StudyInstanceUID string    `bigquery:"studyInstanceUID" json:"studyInstanceUID"`
	PatientID        string    `bigquery:"patientID" json:"patientID"`
	PatientName      string    `bigquery:"patientName" json:"patientName"`
	StudyDate        string    `bigquery:"studyDate" json:"studyDate"`
	StudyDescription string    `bigquery:"studyDescription" json:"studyDescription"`
	SeriesCount      int64     `bigquery:"seriesCount" json:"seriesCount"`
	InstanceCount    int64     `bigquery:"instanceCount" json:"instanceCount"`
	LastIngested     time.Time `bigquery:"lastIngested" json:"lastIngested"`
}

func (c *Client) SearchInstances(ctx context.Context, key, value string, limit, offset int) ([]Record, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	q, err := buildInstanceSearch(table, key, value, limit, offset)
	if err != nil {
		return nil, err
	}
	return c.readRecords(ctx, q)
}

func (c *Client) CountInstances(ctx context.Context, key, value string) (int64, error) {
	table, err := c.instancesRef()
	if err != nil {
		return 0, err
	}
	q, err := buildInstanceCount(table, key, value)
	if err != nil {
		return 0, err
	}
	return c.readCount(ctx, q)
}

func (c *Client) SearchStudies(ctx context.Context, key, value string, limit, offset int) ([]StudySummary, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	q, err := buildStudySearch(table, key, value, limit, offset)
	if err != nil {
		return nil, err
	}
	it, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []StudySummary
	for {
		var s StudySummary
		err := it.Next(&s)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("warehouse scan: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Client) CountStudies(ctx context.Context, key, value string) (int64, error) {
	table, err := c.instancesRef()
	if err != nil {
		return 0, err
	}
	q, err := buildStudyCount(table, key, value)
	if err != nil {
		return 0, err
	}
	return c.readCount(ctx, q)
}

func (c *Client) StudyInstances(ctx context.Context, studyUID string) ([]Record, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	return c.readRecords(ctx, buildStudyInstances(table, studyUID))
}

// InstanceByID returns nil when no row matches.
func (c *Client) InstanceByID(ctx context.Context, id string) (*Record, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	rows, err := c.readRecords(ctx, buildInstanceByID(table, id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// InstanceByUIDs resolves an instance through its DICOM identity triple.
func (c *Client) InstanceByUIDs(ctx context.Context, studyUID, seriesUID, sopUID string) (*Record, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	rows, err := c.readRecords(ctx, buildInstanceByUIDs(table, studyUID, seriesUID, sopUID))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *Client) InstancesByPathPrefix(ctx context.Context, prefix string) ([]Record, error) {
	table, err := c.instancesRef()
	if err != nil {
		return nil, err
	}
	return c.readRecords(ctx, buildInstancesByPathPrefix(table, prefix))
}

func (c *Client) DeleteInstances(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	table, err := c.instancesRef()
	if err != nil {
		return 0, err
	}
	return c.exec(ctx, buildDeleteInstances(table, ids))
}

func (c *Client) DeleteStudies(ctx context.Context, studyUIDs []string) (int64, error) {
	if len(studyUIDs) == 0 {
		return 0, nil
	}
	table, err := c.instancesRef()
	if err != nil {
		return 0, err
	}
	return c.exec(ctx, buildDeleteStudies(table, studyUIDs))
}
