package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/fieldbook/internal/engine"
)

// syncReport describes one pass as markdown.
func syncReport(sum *engine.Summary) string {
	if sum == nil {
		return ""
	}
	var b strings.Builder

	if sum.Skipped {
		fmt.Fprintf(&b, "A **%s** sync was requested while another pass was running; that pass covers it.\n", sum.Trigger)
		return b.String()
	}

	fmt.Fprintf(&b, "**%s** pass, finished %s UTC\n\n", sum.Trigger, formatTime(sum.FinishedAt))
	if sum.Attempted == 0 && sum.MediaUploaded == 0 && sum.MediaFailed == 0 {
		b.WriteString("Nothing was waiting to be sent.\n")
	} else {
		fmt.Fprintf(&b, "- %d sent, %d of them delivered\n", sum.Attempted, sum.Succeeded)
		if sum.Retrying > 0 {
			fmt.Fprintf(&b, "- %d waiting to retry", sum.Retrying)
			if sum.NextRetryInMs > 0 {
				fmt.Fprintf(&b, " in %s", time.Duration(sum.NextRetryInMs)*time.Millisecond)
			}
			b.WriteString("\n")
		}
		if n := sum.Exhausted + sum.Rejected; n > 0 {
			fmt.Fprintf(&b, "- **%d failed** and need a retry from the queue page\n", n)
		}
		if sum.MediaUploaded+sum.MediaFailed+sum.MediaSkipped > 0 {
			fmt.Fprintf(&b, "- media: %d uploaded, %d failed, %d waiting for their record\n",
				sum.MediaUploaded, sum.MediaFailed, sum.MediaSkipped)
		}
	}

	switch {
	case sum.DraftCleared:
		b.WriteString("\nThe submitted draft was delivered and cleared.\n")
	case sum.DraftKept:
		b.WriteString("\nThe draft was delivered but kept, because it was edited after submit.\n")
	}

	if len(sum.Errors) > 0 {
		b.WriteString("\n#### Errors\n\n")
		for _, e := range sum.Errors {
			subject := e.ItemID
			if e.MediaID != "" {
				subject = "media " + e.MediaID
			}
			if subject == "" {
				subject = "pass"
			}
			fmt.Fprintf(&b, "- `%s` %s: %s\n", shortID(subject), e.Code, strings.ReplaceAll(e.Message, "`", "'"))
		}
	}
	return b.String()
}
