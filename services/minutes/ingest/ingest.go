package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/xilidan/minutes/pkg/gen"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/blob"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/media"
)

type Stage struct {
	blobs    blob.Store
	prober   media.Prober
	maxBytes int64
	ids      gen.IDGenerator
}

// New builds the ingestion stage. prober may be nil, in which case
// durations stay unknown.
func New(blobs blob.Store, prober media.Prober, maxBytes int64, ids gen.IDGenerator) *Stage {
	return &Stage{
		blobs:    blobs,
		prober:   prober,
		maxBytes: maxBytes,
		ids:      ids,
	}
}

// Ingest validates an uploaded recording and stores its bytes.
func (s *Stage) Ingest(ctx context.Context, req *entity.IngestRequest) (*entity.RecordingAsset, error) {
	log := logger.FromContext(ctx)

	mimeType, err := NormalizeMimeType(req.MimeType)
	if err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty recording", entity.ErrUnsupportedMedia)
	}
	if int64(len(req.Data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", entity.ErrPayloadTooLarge, len(req.Data), s.maxBytes)
	}

	asset := &entity.RecordingAsset{
		ID:        s.ids.Next(),
		MimeType:  mimeType,
		SizeBytes: int64(len(req.Data)),
		CreatedAt: entity.Now(),
	}
	if req.Filename != "" {
		asset.SourceFilename = filepath.Base(req.Filename)
	}

	if s.prober != nil {
		d, err := s.prober.Probe(ctx, req.Data, mimeType)
		if err != nil {
			log.Debug("duration probe failed", slog.String("mime_type", mimeType), slog.String("error", err.Error()))
		} else {
			asset.DurationSeconds = &d
		}
	}

	ref, err := s.blobs.Put(ctx, req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to store recording: %w", err)
	}
	asset.StorageRef = ref

	log.Debug("recording ingested",
		slog.String("asset_id", asset.ID),
		slog.String("storage_ref", ref),
		slog.Int64("size_bytes", asset.SizeBytes),
	)
	return asset, nil
}

// NormalizeMimeType strips parameters and accepts only audio/* and video/*.
func NormalizeMimeType(v string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return "", fmt.Errorf("%w: %q", entity.ErrUnsupportedMedia, v)
	}
	major, minor, ok := strings.Cut(mediaType, "/")
	if !ok || minor == "" || (major != "audio" && major != "video") {
		return "", fmt.Errorf("%w: %q", entity.ErrUnsupportedMedia, mediaType)
	}
	return mediaType, nil
}

var extensionTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// GuessMimeType infers a media type from the file extension, for clients
// that upload everything as application/octet-stream.
func GuessMimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// DeriveTitle turns "weekly_sync-2024.mp4" into "Weekly Sync 2024".
func DeriveTitle(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	return cases.Title(language.English).String(base)
}
