package job

// 進捗の重み付け。実測値ではなく設計上の配分です。
const (
	downloadWeight = 20 // ダウンロード + 分割
	pagesWeight    = 70 // ページ変換
	mergeWeight    = 10 // 最終マージ
)

// 分割しないジョブの処理中マイルストーン。SingleProgress の explicit に渡します。
const (
	StageAccepted  = 10 // ジョブ受理
	StageFetched   = 20 // 取得元の確保完了
	StageConverted = 80 // 変換完了
	StageStored    = 90 // 結果保存完了
)

// SingleProgress は単一ドキュメント（分割しないジョブ）の進捗を返します。
// explicit が正の値なら処理中の進捗としてそのまま採用します。
func SingleProgress(status Status, explicit int) int {
	switch status {
	case StatusQueued:
		return 0
	case StatusProcessing:
		if explicit > 0 {
			return clampProgress(explicit)
		}
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// MultiPageProgress は複数ページドキュメントの進捗を返します。
// 配分: 20%（ダウンロード+分割、分割未完了の間は10%）、
// 70%（完了ページ数に比例）、10%（マージ）。上限は100です。
func MultiPageProgress(splitCompleted bool, completedPages, totalPages int, mergeCompleted bool) int {
	if totalPages <= 0 {
		return 0
	}

	progress := 10
	if splitCompleted {
		progress = downloadWeight
	}

	if completedPages > 0 {
		progress += completedPages * pagesWeight / totalPages
	}

	if mergeCompleted {
		progress += mergeWeight
	}

	return clampProgress(progress)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
