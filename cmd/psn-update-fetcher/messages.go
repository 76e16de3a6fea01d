package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/queue"
)

// describeResolveError maps a lookup failure to the message shown for id
func describeResolveError(id string, err error) string {
	var unhandled *domain.UnhandledErrorResponseError
	switch {
	case errors.Is(err, domain.ErrInvalidSerial):
		return fmt.Sprintf("%s: The provided serial didn't give any results, double-check your input.", id)
	case errors.Is(err, domain.ErrNoUpdatesAvailable):
		return fmt.Sprintf("%s: The provided serial doesn't have any available updates.", id)
	case errors.Is(err, domain.ErrXMLParsing),
		errors.Is(err, domain.ErrManifestParsing),
		errors.Is(err, domain.ErrJSONParsing):
		return fmt.Sprintf("%s: Error parsing response from Sony, try again later.", id)
	case errors.As(err, &unhandled):
		return fmt.Sprintf("%s: Sony answered with an unexpected error (%s), try again later.", id, unhandled.Code)
	case errors.Is(err, domain.ErrTransport):
		return fmt.Sprintf("%s: There was an error on the request: %v.", id, err)
	default:
		return fmt.Sprintf("%s: Unexpected error: %v.", id, err)
	}
}

// describeDownloadError maps a failed package download to a message
func describeDownloadError(err error) string {
	var mismatch *domain.HashMismatchError
	switch {
	case errors.As(err, &mismatch) && mismatch.Short:
		return fmt.Sprintf("Error downloading update: hash mismatch on downloaded file, only %s of %s arrived. The server likely truncated the transfer, retry later.",
			humanize.Bytes(mismatch.Received), humanize.Bytes(mismatch.Expected))
	case mismatch != nil:
		return "Error downloading update: hash mismatch on downloaded file."
	case errors.Is(err, domain.ErrInsufficientSpace):
		return "Error downloading update: not enough free space in the destination folder."
	case errors.Is(err, domain.ErrLocalIO):
		return fmt.Sprintf("Error writing update to disk: %v.", err)
	default:
		return fmt.Sprintf("Error downloading update: %v.", err)
	}
}

// describeMergeError maps a failed merge to a message
func describeMergeError(err error) string {
	var mismatch *domain.FilepathMismatchError
	switch {
	case errors.Is(err, domain.ErrPackagesUnmergable):
		return "Error merging update: the packages are not parts of a single update."
	case errors.As(err, &mismatch):
		return fmt.Sprintf("Error merging update: unexpected part file name (%v).", err)
	default:
		return fmt.Sprintf("Error merging update: %v.", err)
	}
}

// titleLabel returns "<ID> (<title>)" or just the id when the title is unknown
func titleLabel(update *domain.UpdateInfo) string {
	if title := update.Title(); title != "" {
		return fmt.Sprintf("%s (%s)", update.TitleID, title)
	}
	return update.TitleID
}

// updateHeader returns "<ID> - <title> - N update(s) (size)"
func updateHeader(update *domain.UpdateInfo) string {
	n := len(update.Packages)
	count := fmt.Sprintf("%d update", n)
	if n > 1 {
		count += "s"
	}
	size := humanize.Bytes(update.TotalSize())

	if title := update.Title(); title != "" {
		return fmt.Sprintf("%s - %s - %s (%s)", update.TitleID, title, count, size)
	}
	return fmt.Sprintf("%s - %s (%s)", update.TitleID, count, size)
}

func packageLine(i int, pkg domain.PackageInfo) string {
	return fmt.Sprintf("  %d. %s (%s)", i, pkg.ID(), humanize.Bytes(pkg.Size))
}

// parseSelection reads the space separated package indices typed by the
// user. Invalid and out of range entries are dropped. An empty result
// selects every package.
func parseSelection(line string, n int) []int {
	var selection []int
	for _, field := range strings.Fields(line) {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 || idx >= n {
			continue
		}
		selection = append(selection, idx)
	}
	slices.Sort(selection)
	return slices.Compact(selection)
}

func selectedPackages(update *domain.UpdateInfo, selection []int) []domain.PackageInfo {
	if len(selection) == 0 {
		return update.Packages
	}
	pkgs := make([]domain.PackageInfo, 0, len(selection))
	for _, idx := range selection {
		pkgs = append(pkgs, update.Packages[idx])
	}
	return pkgs
}

func selectedVersions(update *domain.UpdateInfo, selection []int) string {
	pkgs := selectedPackages(update, selection)
	ids := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		ids = append(ids, pkg.ID())
	}
	return strings.Join(ids, ", ")
}

func selectedSize(update *domain.UpdateInfo, selection []int) uint64 {
	var total uint64
	for _, pkg := range selectedPackages(update, selection) {
		total += pkg.Size
	}
	return total
}

func summaryLine(s *queue.Summary) string {
	line := fmt.Sprintf("Done: %d downloaded, %d failed", s.Completed, s.Failed)
	if s.Merged > 0 || s.MergeErrs > 0 {
		line += fmt.Sprintf(", %d merged, %d merge errors", s.Merged, s.MergeErrs)
	}
	return line + "."
}

// writeHistory prints the task ledger as a table
func writeHistory(w io.Writer, tasks []*domain.DownloadTask, now time.Time) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No downloads recorded yet.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPACKAGE\tSIZE\tSTATUS\tRETRIES\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID,
			t.TitleID,
			t.PackageID,
			humanize.Bytes(t.Package.Size),
			t.Status,
			t.RetryCount, t.MaxRetries,
			humanize.RelTime(t.UpdatedAt, now, "ago", "from now"),
			t.LastError)
	}
	return tw.Flush()
}
