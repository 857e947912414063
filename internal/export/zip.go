package export

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/stridesync/internal/model"
)

// WriteArchive はアクティビティ群をGPXドキュメントとして1つのZIPに書き出す。
// アーカイブはwへ逐次ストリームされ、全体をメモリへ積むことはない。
// ルートを持たないアクティビティはスキップして続行し（fail-soft）、
// 実際に書き込んだエントリ数を返す。
func WriteArchive(w io.Writer, activities []*model.ActivitySummary) (int, error) {
	zw := zip.NewWriter(w)

	written := 0
	for _, activity := range activities {
		// エントリ作成後にスキップすると空エントリが残るため、先に判定する
		if !hasRoute(activity) {
			slog.Warn("skipping activity without route",
				slog.Int64("activity_id", activity.ID),
			)
			continue
		}

		entry, err := zw.Create(EntryName(activity))
		if err != nil {
			return written, fmt.Errorf("failed to create archive entry: %w", err)
		}
		if err := WriteGPX(entry, activity); err != nil {
			return written, err
		}
		written++
	}

	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return written, nil
}
