// Package calculator 计算下载任务需要的瓦片、金字塔尺寸和校准点
package calculator

import "errors"

var (
	// ErrInvalidZoomRange 无效的缩放级别范围，要求 0 <= min <= max <= MaxZoom
	ErrInvalidZoomRange = errors.New("invalid zoom range (0 <= min-zoom <= max-zoom <= 20)")
	// ErrInvalidLonRange 无效的经度范围，要求 -180 <= min < max <= 180
	ErrInvalidLonRange = errors.New("invalid longitude range (-180 <= min-lon < max-lon <= 180)")
	// ErrInvalidLatRange 无效的纬度范围，要求 -90 <= min < max <= 90
	ErrInvalidLatRange = errors.New("invalid latitude range (-90 <= min-lat < max-lat <= 90)")
	// ErrInvalidTileSize 瓦片尺寸必须为正数
	ErrInvalidTileSize = errors.New("tile size must be positive")
	// ErrNoTilesFound 区域内没有瓦片
	ErrNoTilesFound = errors.New("no tiles found in range")
)
