// Package media downloads, validates, and names message attachments.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chansync/internal/domain"
)

// videoExt maps provider-reported video MIME types to file extensions.
// Unrecognized types fall back to mp4.
var videoExt = map[string]string{
	"video/mp4":  "mp4",
	"video/mov":  "mov",
	"video/avi":  "avi",
	"video/webm": "webm",
}

// audioExt maps audio MIME types to extensions, with mp3 as fallback.
var audioExt = map[string]string{
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
	"audio/ogg":  "ogg",
}

// Acquirer downloads attachments into a per-channel directory tree and
// produces validated attachment records. It implements
// domain.MediaResolver.
type Acquirer struct {
	dir    string
	dl     domain.FileDownloader
	logger *slog.Logger
}

// NewAcquirer creates an acquirer rooted at dir. Files land under
// dir/<channel>/<filename> where <channel> is the channel id with
// dashes stripped.
func NewAcquirer(dir string, dl domain.FileDownloader, logger *slog.Logger) *Acquirer {
	return &Acquirer{dir: dir, dl: dl, logger: logger}
}

// Resolve downloads msg's attachment and validates the result. A nil
// attachment with nil error means the message carries no media. Zero
// length downloads are treated as failures: the partial file is removed
// and no attachment record is produced.
func (a *Acquirer) Resolve(ctx context.Context, msg domain.RawMessage) (*domain.MediaAttachment, error) {
	const op = "Acquirer.Resolve"

	raw := msg.Media
	if raw == nil {
		return nil, nil
	}

	channelDir := channelClean(msg.ChannelID)
	filename := fileNameFor(msg)
	dir := filepath.Join(a.dir, channelDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMediaDownload, err.Error())
	}
	path := filepath.Join(dir, filename)

	// The downloader writes to a temp file and renames on success, so a
	// failed transfer never touches path. Leaving it alone preserves a
	// previously downloaded file when a re-download attempt fails.
	if err := a.dl.Download(ctx, raw.FileRef, path); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMediaDownload,
			fmt.Sprintf("downloaded file missing: %s", filename))
	}
	if info.Size() == 0 {
		removeFile(path)
		a.logger.Warn("discarding empty download",
			"channel", msg.ChannelID, "message_id", msg.ID, "filename", filename)
		return nil, domain.NewDomainError(op, domain.ErrMediaDownload,
			fmt.Sprintf("downloaded file empty: %s", filename))
	}

	att := &domain.MediaAttachment{
		Kind:       raw.Kind,
		StorageURL: "/media/" + channelDir + "/" + filename,
		Filename:   filename,
		SizeBytes:  info.Size(),
	}
	if raw.Duration > 0 {
		d := raw.Duration
		att.Duration = &d
	}
	if raw.Width > 0 {
		w := raw.Width
		att.Width = &w
	}
	if raw.Height > 0 {
		h := raw.Height
		att.Height = &h
	}
	return att, nil
}

// AuditFinding is one attachment whose backing file is unhealthy.
type AuditFinding struct {
	ChannelID string `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Filename  string `json:"filename"`
	Reason    string `json:"reason"` // "missing" or "empty"
}

// AuditReport summarizes stored-attachment health per media kind.
type AuditReport struct {
	Total    int                      `json:"total"`
	ByKind   map[domain.MediaKind]int `json:"by_kind"`
	Findings []AuditFinding           `json:"findings,omitempty"`
}

// Audit checks every unit's attachment against the filesystem and
// reports files that are gone or empty. It never modifies anything.
func (a *Acquirer) Audit(units []domain.ContentUnit) AuditReport {
	report := AuditReport{ByKind: make(map[domain.MediaKind]int)}
	for _, u := range units {
		if u.Media == nil {
			continue
		}
		report.Total++
		report.ByKind[u.Media.Kind]++

		path := filepath.Join(a.dir, channelClean(u.ChannelID), u.Media.Filename)
		info, err := os.Stat(path)
		switch {
		case err != nil:
			report.Findings = append(report.Findings, AuditFinding{
				ChannelID: u.ChannelID, MessageID: u.MessageID,
				Filename: u.Media.Filename, Reason: "missing",
			})
		case info.Size() == 0:
			report.Findings = append(report.Findings, AuditFinding{
				ChannelID: u.ChannelID, MessageID: u.MessageID,
				Filename: u.Media.Filename, Reason: "empty",
			})
		}
	}
	return report
}

// fileNameFor derives the deterministic on-disk name for a message's
// attachment: "{kind}_{messageID}.{ext}", except documents which keep
// their sanitized original name.
func fileNameFor(msg domain.RawMessage) string {
	raw := msg.Media
	switch raw.Kind {
	case domain.MediaKindPhoto:
		return fmt.Sprintf("photo_%d.jpg", msg.ID)
	case domain.MediaKindVideo:
		return fmt.Sprintf("video_%d.%s", msg.ID, extFor(videoExt, raw.MIMEType, "mp4"))
	case domain.MediaKindAnimation:
		return fmt.Sprintf("animation_%d.gif", msg.ID)
	case domain.MediaKindVoice:
		return fmt.Sprintf("voice_%d.ogg", msg.ID)
	case domain.MediaKindAudio:
		return fmt.Sprintf("audio_%d.%s", msg.ID, extFor(audioExt, raw.MIMEType, "mp3"))
	case domain.MediaKindDocument:
		if name := sanitizeFileName(raw.FileName); name != "" {
			return name
		}
		return fmt.Sprintf("document_%d", msg.ID)
	case domain.MediaKindSticker:
		return fmt.Sprintf("sticker_%d.%s", msg.ID, stickerExt(raw))
	default:
		return fmt.Sprintf("%s_%d.bin", raw.Kind, msg.ID)
	}
}

func extFor(table map[string]string, mime, fallback string) string {
	if ext, ok := table[mime]; ok {
		return ext
	}
	return fallback
}

func stickerExt(raw *domain.RawMedia) string {
	switch {
	case raw.Animated:
		return "tgs"
	case raw.VideoFormat:
		return "webm"
	default:
		return "webp"
	}
}

// sanitizeFileName keeps letters, digits, and ".-_"; everything else is
// dropped. The result is safe as a path component.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}

// channelClean strips dashes from a channel id for use as a directory
// name.
func channelClean(channelID string) string {
	return strings.ReplaceAll(channelID, "-", "")
}

func removeFile(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
}
