package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/metrics"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
)

const (
	defaultToolLimit = 20
	maxToolLimit     = 500
)

// IngestArchiveArgs are the arguments of ingest_archive.
type IngestArchiveArgs struct {
	Dir string `json:"dir" jsonschema:"directory holding the case archive table files"`
}

// RankSignalsArgs are the arguments of rank_signals.
type RankSignalsArgs struct {
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of signals to return (default 20)"`
	Offset int    `json:"offset,omitempty" jsonschema:"number of ranked signals to skip"`
	Order  string `json:"order,omitempty" jsonschema:"composite (default), frequency or elevated"`
}

// SignalArgs identify one drug-reaction signal.
type SignalArgs struct {
	Drug     string `json:"drug" jsonschema:"suspect drug name"`
	Reaction string `json:"reaction" jsonschema:"reaction preferred term"`
}

// ClusterSignalArgs are the arguments of cluster_signal.
type ClusterSignalArgs struct {
	Drug     string `json:"drug" jsonschema:"suspect drug name"`
	Reaction string `json:"reaction" jsonschema:"reaction preferred term"`
	K        int    `json:"k,omitempty" jsonschema:"number of subgroups; the configured default when omitted"`
}

// SignalTrendArgs are the arguments of signal_trend.
type SignalTrendArgs struct {
	Drug     string `json:"drug" jsonschema:"suspect drug name"`
	Reaction string `json:"reaction" jsonschema:"reaction preferred term"`
	Width    string `json:"width,omitempty" jsonschema:"bucket width: week, month, quarter or year"`
}

// FindDuplicatesArgs are the arguments of find_duplicates.
type FindDuplicatesArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of groups to return (default 20)"`
}

// ReviewDuplicateArgs are the arguments of review_duplicate.
type ReviewDuplicateArgs struct {
	GroupID  string `json:"group_id" jsonschema:"duplicate group id from find_duplicates"`
	Decision string `json:"decision" jsonschema:"pending, confirmed or rejected"`
	Reviewer string `json:"reviewer,omitempty" jsonschema:"who made the decision"`
	Notes    string `json:"notes,omitempty" jsonschema:"free-text rationale"`
}

// ListReviewsArgs are the arguments of list_reviews.
type ListReviewsArgs struct {
	Decision string `json:"decision,omitempty" jsonschema:"only reviews with this decision"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of reviews to return (default 20)"`
	Offset   int    `json:"offset,omitempty" jsonschema:"number of reviews to skip"`
}

// ExportReviewsArgs are the arguments of export_reviews.
type ExportReviewsArgs struct{}

// registerTools registers every tool with the MCP SDK.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ingest_archive",
		Description: "Load a case archive directory and make it the current dataset",
	}, handler(s, "ingest_archive", s.ingestArchive))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "rank_signals",
		Description: "Rank every drug-reaction signal of the current dataset by composite priority or frequency",
	}, handler(s, "rank_signals", s.rankSignals))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_signal",
		Description: "Disproportionality statistics, score components and case ids of one signal",
	}, handler(s, "get_signal", s.getSignal))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "cluster_signal",
		Description: "Partition the cases of one signal into patient risk subgroups",
	}, handler(s, "cluster_signal", s.clusterSignal))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "signal_trend",
		Description: "Bucket the cases of one signal over time and flag anomalous buckets",
	}, handler(s, "signal_trend", s.signalTrend))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "find_duplicates",
		Description: "Find groups of case reports that likely describe the same event",
	}, handler(s, "find_duplicates", s.findDuplicates))

	if s.reviews == nil {
		return
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "review_duplicate",
		Description: "Record a reviewer decision on a duplicate group",
	}, handler(s, "review_duplicate", s.reviewDuplicate))
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_reviews",
		Description: "List recorded duplicate reviews, newest first",
	}, handler(s, "list_reviews", s.listReviews))
	if s.exportDir != "" {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "export_reviews",
			Description: "Export all duplicate reviews to a JSON file",
		}, handler(s, "export_reviews", s.exportReviews))
	}
}

func (s *Server) toolNames() []string {
	names := []string{"ingest_archive", "rank_signals", "get_signal", "cluster_signal", "signal_trend", "find_duplicates"}
	if s.reviews != nil {
		names = append(names, "review_duplicate", "list_reviews")
		if s.exportDir != "" {
			names = append(names, "export_reviews")
		}
	}
	return names
}

// handler adapts a typed tool function to the SDK. Tool failures are
// reported as error results rather than protocol errors so that the client
// sees the message.
func handler[In any](s *Server, name string, fn func(context.Context, In) (any, error)) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, req *mcp.ServerRequest[*mcp.CallToolParamsFor[In]]) (*mcp.CallToolResultFor[any], error) {
		start := time.Now()
		out, err := fn(ctx, req.Params.Arguments)
		metrics.RecordOperation("mcp_"+name, err, time.Since(start))

		entry := s.logger.WithFields(logrus.Fields{"tool": name, "duration": time.Since(start)})
		if err != nil {
			entry.WithError(err).Warn("MCP tool failed")
			return errorResult(err), nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			entry.WithError(err).Error("Failed to encode tool result")
			return errorResult(err), nil
		}
		entry.Debug("MCP tool completed")
		return &mcp.CallToolResultFor[any]{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	}
}

func errorResult(err error) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

func toolLimit(limit int) int {
	if limit <= 0 {
		return defaultToolLimit
	}
	return min(limit, maxToolLimit)
}

func window[T any](items []T, limit, offset int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	return items[offset:min(offset+limit, len(items))]
}

func (s *Server) ingestArchive(ctx context.Context, args IngestArchiveArgs) (any, error) {
	if strings.TrimSpace(args.Dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	snap, err := s.service.IngestDirectory(ctx, args.Dir)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dataset_version": snap.Dataset.Version(),
		"total_cases":     snap.Dataset.TotalCases(),
		"summary":         snap.Summary,
	}, nil
}

func (s *Server) rankSignals(ctx context.Context, args RankSignalsArgs) (any, error) {
	order := args.Order
	if order == "" {
		order = service.OrderComposite
	}
	if !service.ValidOrder(order) {
		return nil, fmt.Errorf("order must be %s, %s or %s", service.OrderComposite, service.OrderFrequency, service.OrderElevated)
	}
	snap, err := s.service.Current()
	if err != nil {
		return nil, err
	}
	run, err := s.results.Run(ctx, snap)
	if err != nil {
		return nil, err
	}
	signals := service.OrderedSignals(run, order)
	return map[string]any{
		"run_id":          run.RunID,
		"dataset_version": run.DatasetVersion,
		"total_cases":     run.TotalCases,
		"reference_time":  run.ReferenceTime,
		"order":           order,
		"total":           len(signals),
		"signals":         window(signals, toolLimit(args.Limit), args.Offset),
	}, nil
}

func (s *Server) getSignal(ctx context.Context, args SignalArgs) (any, error) {
	snap, err := s.service.Current()
	if err != nil {
		return nil, err
	}
	return s.service.SignalDetail(ctx, snap, domain.SignalKey{Drug: args.Drug, Reaction: args.Reaction})
}

func (s *Server) clusterSignal(ctx context.Context, args ClusterSignalArgs) (any, error) {
	if args.K < 0 {
		return nil, fmt.Errorf("k must not be negative")
	}
	snap, err := s.service.Current()
	if err != nil {
		return nil, err
	}
	return s.service.ClusterSignal(ctx, snap, domain.SignalKey{Drug: args.Drug, Reaction: args.Reaction}, args.K)
}

func (s *Server) signalTrend(ctx context.Context, args SignalTrendArgs) (any, error) {
	snap, err := s.service.Current()
	if err != nil {
		return nil, err
	}
	width := domain.BucketWidth(strings.ToLower(args.Width))
	return s.service.SignalTrend(ctx, snap, domain.SignalKey{Drug: args.Drug, Reaction: args.Reaction}, width)
}

func (s *Server) findDuplicates(ctx context.Context, args FindDuplicatesArgs) (any, error) {
	snap, err := s.service.Current()
	if err != nil {
		return nil, err
	}
	res, err := s.results.Duplicates(ctx, snap)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"threshold":      res.Threshold,
		"pairs_compared": res.PairsCompared,
		"blocks_skipped": res.BlocksSkipped,
		"total":          len(res.Groups),
		"groups":         window(res.Groups, toolLimit(args.Limit), 0),
	}, nil
}

func (s *Server) reviewDuplicate(ctx context.Context, args ReviewDuplicateArgs) (any, error) {
	if strings.TrimSpace(args.GroupID) == "" {
		return nil, fmt.Errorf("group_id is required")
	}
	if strings.TrimSpace(args.Decision) == "" {
		return nil, fmt.Errorf("decision is required")
	}
	decision, err := review.ParseDecision(args.Decision)
	if err != nil {
		return nil, err
	}
	return s.results.RecordReview(ctx, s.reviews, args.GroupID, decision, args.Reviewer, args.Notes)
}

func (s *Server) listReviews(ctx context.Context, args ListReviewsArgs) (any, error) {
	var decision review.Decision
	if args.Decision != "" {
		d, err := review.ParseDecision(args.Decision)
		if err != nil {
			return nil, err
		}
		decision = d
	}
	reviews, err := s.reviews.List(ctx, decision, toolLimit(args.Limit), max(args.Offset, 0))
	if err != nil {
		return nil, err
	}
	total, err := s.reviews.Count(ctx, decision)
	if err != nil {
		return nil, err
	}
	return map[string]any{"total": total, "reviews": reviews}, nil
}

func (s *Server) exportReviews(ctx context.Context, _ ExportReviewsArgs) (any, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("reviews-%s.json", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}
	if err := s.reviews.ExportJSON(ctx, f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing export file: %w", err)
	}
	total, err := s.reviews.Count(ctx, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "count": total}, nil
}
