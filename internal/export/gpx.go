// Package export はアクティビティのGPX変換とZIPアーカイブ化を提供する。
package export

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/twpayne/go-polyline"

	"github.com/hitoshi/stridesync/internal/model"
)

// ErrNoRoute はポリラインが空、またはデコードできないアクティビティを表す。
// 呼び出し元はこのエラーのアクティビティをスキップする（fail-soft）。
var ErrNoRoute = errors.New("activity has no decodable route")

// gpxTrackPoint は1座標点。緯度経度は属性として出力される。
type gpxTrackPoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
}

type gpxTrackSegment struct {
	Points []gpxTrackPoint `xml:"trkpt"`
}

type gpxTrack struct {
	Name     string            `xml:"name"`
	Type     string            `xml:"type"`
	Segments []gpxTrackSegment `xml:"trkseg"`
}

type gpxMetadata struct {
	Time string `xml:"time"`
}

// gpxDocument はGPX 1.1のルート要素。
type gpxDocument struct {
	XMLName  xml.Name    `xml:"gpx"`
	Version  string      `xml:"version,attr"`
	Creator  string      `xml:"creator,attr"`
	Xmlns    string      `xml:"xmlns,attr"`
	Metadata gpxMetadata `xml:"metadata"`
	Track    gpxTrack    `xml:"trk"`
}

// WriteGPX はアクティビティをGPX 1.1ドキュメントとして書き出す。
// 座標はサマリーポリラインからデコードする。
// ポリラインが空・不正な場合はErrNoRouteを返し、何も書き込まない。
// 名前・種別はencoding/xmlのエスケープを通るため、そのまま渡してよい。
func WriteGPX(w io.Writer, activity *model.ActivitySummary) error {
	if activity.SummaryPolyline == "" {
		return ErrNoRoute
	}

	coords, _, err := polyline.DecodeCoords([]byte(activity.SummaryPolyline))
	if err != nil || len(coords) == 0 {
		return ErrNoRoute
	}

	points := make([]gpxTrackPoint, 0, len(coords))
	for _, c := range coords {
		points = append(points, gpxTrackPoint{Lat: c[0], Lon: c[1]})
	}

	doc := gpxDocument{
		Version: "1.1",
		Creator: "StrideSync",
		Xmlns:   "http://www.topografix.com/GPX/1/1",
		Metadata: gpxMetadata{
			Time: activity.StartDate.UTC().Format("2006-01-02T15:04:05Z"),
		},
		Track: gpxTrack{
			Name:     activity.Name,
			Type:     activity.SportType,
			Segments: []gpxTrackSegment{{Points: points}},
		},
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write GPX header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode GPX document: %w", err)
	}
	return nil
}

// hasRoute はアクティビティがデコード可能なルートを持つかを判定する。
func hasRoute(activity *model.ActivitySummary) bool {
	if activity.SummaryPolyline == "" {
		return false
	}
	coords, _, err := polyline.DecodeCoords([]byte(activity.SummaryPolyline))
	return err == nil && len(coords) > 0
}

// filenameUnsafe はZIPエントリ名から取り除く文字のパターン。
var filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// EntryName はアクティビティのZIPエントリ名を生成する。
// 形式: YYYY-MM-DD_<サニタイズ済み名前>_<id>.gpx
// 同一入力に対して決定的な名前を返す。
func EntryName(activity *model.ActivitySummary) string {
	name := filenameUnsafe.ReplaceAllString(activity.Name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "activity"
	}

	return fmt.Sprintf("%s_%s_%d.gpx",
		activity.StartDate.UTC().Format("2006-01-02"),
		name,
		activity.ID,
	)
}
