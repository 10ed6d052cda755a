package controller

import "github.com/ChuLiYu/ci-dispatch/pkg/types"

// IsNewer 回報 a 是否比 b 新。建立時間相同時，ID 較大者較新。
func IsNewer(a, b *types.Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// IsAuthoritative 回報 e 是否可以將狀態鏡像到 PR/分支：
// siblings 中沒有任何事件比 e 新。
func IsAuthoritative(e *types.Event, siblings []*types.Event) bool {
	for _, s := range siblings {
		if s.ID != e.ID && IsNewer(s, e) {
			return false
		}
	}
	return true
}
