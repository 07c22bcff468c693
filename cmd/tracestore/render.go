// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/cli"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/provenance"
	"github.com/jhacksman/compymac-sub000/lib/replay"
	"github.com/jhacksman/compymac-sub000/lib/span"
)

const timeLayout = "2006-01-02 15:04:05.000"

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
}

// shortHash abbreviates a digest for tables. Full digests are in the
// --json output.
func shortHash(hash blob.Hash) string {
	return hash.String()[:12]
}

func renderTraces(w io.Writer, styles *cli.Styles, traces []eventlog.TraceInfo) {
	if len(traces) == 0 {
		fmt.Fprintln(w, styles.Faint.Render("no traces"))
		return
	}
	table := newTable(w)
	fmt.Fprintln(table, styles.Heading.Render("TRACE")+"\tEVENTS\tFIRST\tLAST")
	for _, trace := range traces {
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\n",
			styles.ID.Render(trace.TraceID), trace.Events,
			trace.FirstEvent.Format(timeLayout), humanize.Time(trace.LastEvent))
	}
	table.Flush()
}

func renderTree(w io.Writer, styles *cli.Styles, tree *span.Tree) {
	fmt.Fprintf(w, "%s %s (%d spans)\n", styles.Heading.Render("trace"), styles.ID.Render(tree.TraceID), tree.Spans)
	tree.Walk(func(node *span.Node, depth int) bool {
		line := fmt.Sprintf("%s%s %s [%s] %s",
			strings.Repeat("  ", depth+1), node.Kind, node.Name,
			styles.Status(string(node.Status)), styles.Faint.Render(node.SpanID))
		if duration := node.Duration(); duration > 0 {
			line += " " + duration.Round(time.Millisecond).String()
		}
		if node.Error != "" {
			line += " " + styles.Error.Render(node.Error)
		}
		fmt.Fprintln(w, line)
		for _, key := range sortedKeys(node.Attributes) {
			fmt.Fprintf(w, "%s  %s = %s\n", strings.Repeat("  ", depth+1),
				styles.Faint.Render(key), node.Attributes[key].Display())
		}
		return true
	})
	renderAnomalies(w, styles, tree.Anomalies)
}

func renderAnomalies(w io.Writer, styles *cli.Styles, anomalies []span.Anomaly) {
	if len(anomalies) == 0 {
		return
	}
	fmt.Fprintln(w, styles.Warning.Render(fmt.Sprintf("%d anomalies:", len(anomalies))))
	for _, anomaly := range anomalies {
		fmt.Fprintf(w, "  #%d %s %s: %s\n", anomaly.Sequence, anomaly.Type, anomaly.SpanID, anomaly.Reason)
	}
}

func sortedKeys(attributes map[string]eventlog.Value) []string {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func renderTimeline(w io.Writer, styles *cli.Styles, entries []replay.TimelineEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, styles.Faint.Render("no events"))
		return
	}
	for _, entry := range entries {
		indent := strings.Repeat("  ", entry.Depth)
		stamp := styles.Faint.Render(entry.Timestamp.Format(timeLayout))
		switch entry.Kind {
		case replay.EntrySpanStart:
			fmt.Fprintf(w, "%s %s> %s %s\n", stamp, indent, entry.SpanKind, entry.Name)
		case replay.EntrySpanEnd:
			line := fmt.Sprintf("%s %s< %s %s [%s]", stamp, indent, entry.SpanKind, entry.Name, styles.Status(string(entry.Status)))
			if entry.Error != "" {
				line += " " + styles.Error.Render(entry.Error)
			}
			fmt.Fprintln(w, line)
		case replay.EntryAttribute:
			value := ""
			if entry.Value != nil {
				value = entry.Value.Display()
			}
			fmt.Fprintf(w, "%s %s  %s = %s\n", stamp, indent, entry.Key, value)
		case replay.EntryCheckpoint:
			record := entry.Checkpoint
			fmt.Fprintf(w, "%s %s step %d %s %s\n", stamp, styles.Heading.Render("checkpoint"),
				record.StepNumber, styles.ID.Render(record.ID), record.Description)
		}
	}
}

func renderSummary(w io.Writer, styles *cli.Styles, summary *replay.Summary) {
	table := newTable(w)
	fmt.Fprintf(table, "%s\t%s\n", styles.Heading.Render("trace"), styles.ID.Render(summary.TraceID))
	fmt.Fprintf(table, "events\t%d\n", summary.Events)
	fmt.Fprintf(table, "spans\t%d\n", summary.Spans)
	if !summary.StartedAt.IsZero() {
		fmt.Fprintf(table, "started\t%s\n", summary.StartedAt.Format(timeLayout))
		fmt.Fprintf(table, "duration\t%s\n", summary.Duration.Round(time.Millisecond))
	}
	for _, status := range sortedCounts(summary.ByStatus) {
		fmt.Fprintf(table, "  %s\t%d\n", styles.Status(status), summary.ByStatus[status])
	}
	for _, kind := range sortedCounts(summary.ByKind) {
		fmt.Fprintf(table, "  %s\t%d\n", kind, summary.ByKind[kind])
	}
	fmt.Fprintf(table, "anomalies\t%d\n", summary.Anomalies)
	fmt.Fprintf(table, "checkpoints\t%d\n", summary.Checkpoints)
	if summary.LatestCheckpoint != "" {
		fmt.Fprintf(table, "latest\t%s\n", styles.ID.Render(summary.LatestCheckpoint))
	}
	table.Flush()

	renderBriefs(w, styles, "errors", summary.ErrorSpans)
	renderBriefs(w, styles, "incomplete", summary.IncompleteSpans)

	if len(summary.Artifacts) > 0 {
		fmt.Fprintln(w, styles.Heading.Render("artifacts"))
		for _, health := range summary.Artifacts {
			line := fmt.Sprintf("  %s %s", shortHash(health.Hash), styles.Status(string(health.Status)))
			if health.Error != "" {
				line += " " + styles.Faint.Render(health.Error)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func renderBriefs(w io.Writer, styles *cli.Styles, heading string, briefs []replay.SpanBrief) {
	if len(briefs) == 0 {
		return
	}
	fmt.Fprintln(w, styles.Heading.Render(heading))
	for _, brief := range briefs {
		line := fmt.Sprintf("  %s %s %s", brief.Kind, brief.Name, styles.Faint.Render(brief.SpanID))
		if brief.Error != "" {
			line += ": " + styles.Error.Render(brief.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func sortedCounts(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func renderEvents(w io.Writer, styles *cli.Styles, events []eventlog.Event) {
	table := newTable(w)
	fmt.Fprintln(table, styles.Heading.Render("SEQ")+"\tTIME\tSPAN\tTYPE\tDETAIL")
	for _, event := range events {
		fmt.Fprintf(table, "%d\t%s\t%s\t%s\t%s\n", event.Sequence,
			event.Timestamp.Format(timeLayout), event.SpanID, event.Type, eventDetail(styles, event))
	}
	table.Flush()
}

func eventDetail(styles *cli.Styles, event eventlog.Event) string {
	payload := event.Payload
	switch event.Type {
	case eventlog.SpanStart:
		detail := payload.Kind + " " + payload.Name
		if payload.ParentSpanID != "" {
			detail += " parent=" + payload.ParentSpanID
		}
		return detail
	case eventlog.SpanEnd:
		detail := styles.Status(string(payload.Status))
		if payload.Output != nil {
			detail += " output=" + shortHash(*payload.Output)
		}
		if payload.Error != "" {
			detail += " error=" + payload.Error
		}
		return detail
	case eventlog.SpanAttribute:
		if payload.Value == nil {
			return payload.Key
		}
		return payload.Key + "=" + payload.Value.Display()
	}
	return ""
}

func renderCheckpoints(w io.Writer, styles *cli.Styles, listing checkpointListing) {
	status := listing.Status
	fmt.Fprintf(w, "%s %s %s\n", styles.Heading.Render("trace"), styles.ID.Render(status.TraceID), styles.Status(string(status.State)))
	if len(listing.Checkpoints) == 0 {
		fmt.Fprintln(w, styles.Faint.Render("no checkpoints"))
		return
	}
	table := newTable(w)
	fmt.Fprintln(table, styles.Heading.Render("CHECKPOINT")+"\tSTEP\tSTATUS\tCREATED\tSTATE\tDESCRIPTION")
	for _, record := range listing.Checkpoints {
		marker := ""
		if record.ID == status.CheckpointID {
			marker = " *"
		}
		fmt.Fprintf(table, "%s%s\t%d\t%s\t%s\t%s\t%s\n", styles.ID.Render(record.ID), marker,
			record.StepNumber, record.Status, record.CreatedAt.Format(timeLayout),
			shortHash(record.State), record.Description)
	}
	table.Flush()
}

func renderAncestry(w io.Writer, styles *cli.Styles, listing ancestryListing) {
	for depth, record := range listing.Ancestry {
		fmt.Fprintf(w, "%s%s %s step %d %s\n", strings.Repeat("  ", depth),
			styles.ID.Render(record.ID), styles.Faint.Render(record.TraceID), record.StepNumber, record.Description)
	}
	if len(listing.Children) == 0 {
		return
	}
	fmt.Fprintln(w, styles.Heading.Render("children"))
	for _, child := range listing.Children {
		fmt.Fprintf(w, "  %s %s step %d\n", styles.ID.Render(child.ID), styles.Faint.Render(child.TraceID), child.StepNumber)
	}
}

func renderDiff(w io.Writer, styles *cli.Styles, diff *replay.Diff) {
	fmt.Fprintf(w, "%s %s -> %s (%s, %s -> %s)\n", styles.Heading.Render("diff"),
		styles.ID.Render(diff.From.ID), styles.ID.Render(diff.To.ID), diff.Format,
		humanize.IBytes(uint64(diff.FromSize)), humanize.IBytes(uint64(diff.ToSize)))
	for _, health := range diff.Health {
		fmt.Fprintf(w, "  %s %s %s\n", shortHash(health.Hash), styles.Status(string(health.Status)), health.Error)
	}
	switch {
	case diff.Format == replay.FormatUnavailable:
		fmt.Fprintln(w, styles.Warning.Render("state unavailable"))
	case diff.Identical:
		fmt.Fprintln(w, styles.OK.Render("identical"))
	case len(diff.Changes) == 0:
		fmt.Fprintln(w, "states differ")
	}
	for _, change := range diff.Changes {
		switch change.Kind {
		case replay.ChangeAdded:
			fmt.Fprintf(w, "  %s %s: %v\n", styles.OK.Render("+"), change.Path, change.After)
		case replay.ChangeRemoved:
			fmt.Fprintf(w, "  %s %s: %v\n", styles.Error.Render("-"), change.Path, change.Before)
		default:
			fmt.Fprintf(w, "  %s %s: %v -> %v\n", styles.Warning.Render("~"), change.Path, change.Before, change.After)
		}
	}
}

func renderArtifact(w io.Writer, styles *cli.Styles, stored *artifact.Artifact) {
	table := newTable(w)
	fmt.Fprintf(table, "%s\t%s\n", styles.Heading.Render("hash"), styles.ID.Render(stored.Hash.String()))
	fmt.Fprintf(table, "type\t%s\n", stored.Type)
	if stored.ContentType != "" {
		fmt.Fprintf(table, "content type\t%s\n", stored.ContentType)
	}
	fmt.Fprintf(table, "size\t%s (%d bytes)\n", humanize.IBytes(uint64(stored.Size)), stored.Size)
	fmt.Fprintf(table, "compression\t%s\n", stored.Compression)
	fmt.Fprintf(table, "location\t%s\n", stored.Location)
	fmt.Fprintf(table, "created\t%s\n", stored.CreatedAt.Format(timeLayout))
	keys := make([]string, 0, len(stored.Metadata))
	for key := range stored.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(table, "  %s\t%s\n", key, stored.Metadata[key])
	}
	table.Flush()
}

func renderVerify(w io.Writer, styles *cli.Styles, result verifyResult) {
	if result.OK {
		fmt.Fprintf(w, "%s %s\n", result.Hash, styles.Status("ok"))
		return
	}
	fmt.Fprintf(w, "%s %s: %s\n", result.Hash, styles.Status("corrupt"), result.Error)
}

func renderEdges(w io.Writer, styles *cli.Styles, edges []provenance.Edge) {
	if len(edges) == 0 {
		fmt.Fprintln(w, styles.Faint.Render("no provenance edges"))
		return
	}
	for _, edge := range edges {
		fmt.Fprintf(w, "%s %s %s\n", edge.Subject, styles.Heading.Render(string(edge.Relation)), edge.Object)
	}
}

func renderLineage(w io.Writer, styles *cli.Styles, lineage *provenance.Lineage) {
	fmt.Fprintln(w, styles.ID.Render(lineage.Node.String()))
	renderNodes(w, styles, "upstream", lineage.Upstream)
	renderNodes(w, styles, "downstream", lineage.Downstream)
}

func renderNodes(w io.Writer, styles *cli.Styles, heading string, nodes []provenance.Node) {
	if len(nodes) == 0 {
		fmt.Fprintf(w, "%s %s\n", styles.Heading.Render(heading), styles.Faint.Render("none"))
		return
	}
	fmt.Fprintln(w, styles.Heading.Render(heading))
	for _, node := range nodes {
		fmt.Fprintf(w, "  %s\n", node)
	}
}

func renderRecovered(w io.Writer, styles *cli.Styles, closed map[string][]string) {
	if len(closed) == 0 {
		fmt.Fprintln(w, styles.Faint.Render("no incomplete spans"))
		return
	}
	traces := make([]string, 0, len(closed))
	for traceID := range closed {
		traces = append(traces, traceID)
	}
	sort.Strings(traces)
	for _, traceID := range traces {
		fmt.Fprintf(w, "%s closed %d spans\n", styles.ID.Render(traceID), len(closed[traceID]))
		for _, spanID := range closed[traceID] {
			fmt.Fprintf(w, "  %s\n", spanID)
		}
	}
}
