package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// LogsResult is one executed logs query with its raw result rows.
type LogsResult struct {
	QueryID string         `json:"query_id"`
	Result  map[string]any `json:"result"`
}

// LogsFetcher runs one logs query over a time window.
type LogsFetcher interface {
	FetchLogs(ctx context.Context, logGroup string, start, end time.Time, query string) (*LogsResult, error)
}

// FlattenResult pulls the message strings out of a result's rows. Rows are
// either objects keyed by @message/message or lists of field/value pairs.
func FlattenResult(result *LogsResult) []string {
	if result == nil {
		return nil
	}
	rows, _ := result.Result["results"].([]any)
	var lines []string
	for _, row := range rows {
		switch r := row.(type) {
		case map[string]any:
			msg, _ := r["@message"].(string)
			if msg == "" {
				msg, _ = r["message"].(string)
			}
			if msg != "" {
				lines = append(lines, msg)
			}
		case []any:
			for _, col := range r {
				field, ok := col.(map[string]any)
				if !ok {
					continue
				}
				if name, _ := field["field"].(string); name == "@message" {
					if value, _ := field["value"].(string); value != "" {
						lines = append(lines, value)
					}
				}
			}
		}
	}
	return lines
}

// CloudWatchLogsFetcher runs queries through CloudWatch Logs Insights.
type CloudWatchLogsFetcher struct {
	client *cloudwatchlogs.Client
}

// NewCloudWatchLogsFetcher builds the Insights client for a region.
func NewCloudWatchLogsFetcher(ctx context.Context, region string) (*CloudWatchLogsFetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &CloudWatchLogsFetcher{client: cloudwatchlogs.NewFromConfig(cfg)}, nil
}

// FetchLogs starts an Insights query and polls it to completion.
func (f *CloudWatchLogsFetcher) FetchLogs(ctx context.Context, logGroup string, start, end time.Time, query string) (*LogsResult, error) {
	started, err := f.client.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupName: aws.String(logGroup),
		StartTime:    aws.Int64(start.Unix()),
		EndTime:      aws.Int64(end.Unix()),
		QueryString:  aws.String(query),
		Limit:        aws.Int32(200),
	})
	if err != nil {
		return nil, fmt.Errorf("start logs query: %w", err)
	}
	queryID := aws.ToString(started.QueryId)

	for {
		results, err := f.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{
			QueryId: started.QueryId,
		})
		if err != nil {
			return nil, fmt.Errorf("get logs query results: %w", err)
		}
		switch results.Status {
		case cwltypes.QueryStatusComplete:
			return &LogsResult{QueryID: queryID, Result: convertRows(results.Results)}, nil
		case cwltypes.QueryStatusFailed, cwltypes.QueryStatusCancelled, cwltypes.QueryStatusTimeout:
			return nil, fmt.Errorf("logs query %s ended with status %s", queryID, results.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func convertRows(rows [][]cwltypes.ResultField) map[string]any {
	converted := make([]any, 0, len(rows))
	for _, row := range rows {
		fields := make([]any, 0, len(row))
		for _, field := range row {
			fields = append(fields, map[string]any{
				"field": aws.ToString(field.Field),
				"value": aws.ToString(field.Value),
			})
		}
		converted = append(converted, fields)
	}
	return map[string]any{"results": converted}
}

// FixtureLogsFetcher replays a canned Insights result file, used in fixture
// mode and local demos.
type FixtureLogsFetcher struct {
	Path string
}

// FetchLogs reads the fixture result from disk.
func (f *FixtureLogsFetcher) FetchLogs(_ context.Context, _ string, _, _ time.Time, _ string) (*LogsResult, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read logs fixture: %w", err)
	}
	var out LogsResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse logs fixture: %w", err)
	}
	return &out, nil
}
