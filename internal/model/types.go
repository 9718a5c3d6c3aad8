// Package model 定义下载流程和地图存储共用的数据模型
package model

// Tile 下载任务中的一个瓦片
// Level/Row/Col 为瓦片源的绝对坐标，Index 字段为磁盘上使用的相对坐标（相对最小缩放级别和瓦片范围）
type Tile struct {
	Level      int
	Row        int
	Col        int
	IndexLevel int
	IndexRow   int
	IndexCol   int
}

// SourceRef 任务使用的瓦片源
type SourceRef struct {
	Family   string `json:"family"`
	Layer    string `json:"layer,omitempty"`
	Licensed bool   `json:"licensed,omitempty"`
}

// DownloadJob 用户发起的一次下载
type DownloadJob struct {
	Source            SourceRef
	MinLevel          int
	MaxLevel          int
	CalibrationPoints [2]CalibrationPoint
	TileSize          int
	WidthPx           int
	HeightPx          int
	TotalTiles        int64
	WorkerCount       int
	// Tiles 按顺序返回瓦片坐标，同一时间只能由一个协程调用
	Tiles func() (Tile, bool)
}

// DownloadOutcome 已分配存储的任务的最终结果
type DownloadOutcome struct {
	DestinationRoot  string
	MissingTileCount int64
	Cancelled        bool
	Map              *Map
}

// LedgerEntry 地图的修复/更新记录
type LedgerEntry struct {
	MissingTilesCount int64  `json:"missing_tiles_count"`
	LastRepairDate    *int64 `json:"last_repair_date,omitempty"`
	LastUpdateDate    *int64 `json:"last_update_date,omitempty"`
}

// Properties 其他组件生成的属性文件，只包含需要读取的字段
type Properties struct {
	SizeInBytes  *int64 `json:"size_in_bytes,omitempty"`
	ElevationFix int    `json:"elevation_fix"`
}
