package jobmanager

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ChuLiYu/ci-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// idKey 各實體 ID 的共同底層型別
type idKey interface {
	~int64
}

// stagedRecords 依 ID 排序輸出 PUT / DELETE 紀錄
func stagedRecords[K idKey, V any](out []wal.Record, kind wal.Kind, staged map[K]*V) ([]wal.Record, error) {
	ids := make([]K, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		v := staged[id]
		if v == nil {
			out = append(out, wal.Record{Op: wal.OpDelete, Kind: kind, ID: int64(id)})
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s %d: %w", kind, id, err)
		}
		out = append(out, wal.Record{Op: wal.OpPut, Kind: kind, ID: int64(id), Data: data})
	}
	return out, nil
}

// records 將交易轉為 WAL 紀錄
func (tx *memTx) records() ([]wal.Record, error) {
	s := &tx.staged
	var (
		out []wal.Record
		err error
	)
	if out, err = stagedRecords(out, wal.KindUser, s.Users); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindClient, s.Clients); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindRecipe, s.Recipes); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindPullRequest, s.PullRequests); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindBranch, s.Branches); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindEvent, s.Events); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindJob, s.Jobs); err != nil {
		return nil, err
	}
	if out, err = stagedRecords(out, wal.KindStepResult, s.StepResults); err != nil {
		return nil, err
	}
	return out, nil
}

func applyStaged[K comparable, V any](committed, staged map[K]*V) {
	for id, v := range staged {
		if v == nil {
			delete(committed, id)
		} else {
			committed[id] = v
		}
	}
}

// apply 套用到已提交狀態。staged 的物件已是拷貝，可直接持有。
func (tx *memTx) apply(data *types.SnapshotData) {
	s := &tx.staged
	applyStaged(data.Users, s.Users)
	applyStaged(data.Clients, s.Clients)
	applyStaged(data.Recipes, s.Recipes)
	applyStaged(data.PullRequests, s.PullRequests)
	applyStaged(data.Branches, s.Branches)
	applyStaged(data.Events, s.Events)
	applyStaged(data.Jobs, s.Jobs)
	applyStaged(data.StepResults, s.StepResults)
}

// ============================================================================
// 重放
// ============================================================================

func replayInto[K idKey, V any](m map[K]*V, rec wal.Record) (int64, error) {
	id := K(rec.ID)
	switch rec.Op {
	case wal.OpDelete:
		delete(m, id)
	case wal.OpPut:
		v := new(V)
		if err := json.Unmarshal(rec.Data, v); err != nil {
			return 0, fmt.Errorf("decode %s %d: %w", rec.Kind, rec.ID, err)
		}
		m[id] = v
	default:
		return 0, fmt.Errorf("unknown wal op %q", rec.Op)
	}
	return rec.ID, nil
}

// applyRecord 重放單筆紀錄並推進 ID 配置器
func (jm *JobManager) applyRecord(rec wal.Record) error {
	var (
		id  int64
		err error
	)
	d := &jm.data
	switch rec.Kind {
	case wal.KindUser:
		id, err = replayInto(d.Users, rec)
	case wal.KindClient:
		id, err = replayInto(d.Clients, rec)
	case wal.KindRecipe:
		id, err = replayInto(d.Recipes, rec)
	case wal.KindEvent:
		id, err = replayInto(d.Events, rec)
	case wal.KindJob:
		id, err = replayInto(d.Jobs, rec)
	case wal.KindStepResult:
		id, err = replayInto(d.StepResults, rec)
	case wal.KindPullRequest:
		id, err = replayInto(d.PullRequests, rec)
	case wal.KindBranch:
		id, err = replayInto(d.Branches, rec)
	default:
		return fmt.Errorf("unknown wal kind %q", rec.Kind)
	}
	if err != nil {
		return err
	}
	if id > jm.nextID[rec.Kind] {
		jm.nextID[rec.Kind] = id
	}
	return nil
}

// ============================================================================
// 拷貝
// ============================================================================

func cloneMap[K comparable, V any](m map[K]*V, clone func(*V) *V) map[K]*V {
	out := make(map[K]*V, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

func copyData(src types.SnapshotData) types.SnapshotData {
	return types.SnapshotData{
		Users:        cloneMap(src.Users, (*types.User).Clone),
		Clients:      cloneMap(src.Clients, (*types.Client).Clone),
		Recipes:      cloneMap(src.Recipes, (*types.Recipe).Clone),
		Events:       cloneMap(src.Events, (*types.Event).Clone),
		Jobs:         cloneMap(src.Jobs, (*types.Job).Clone),
		StepResults:  cloneMap(src.StepResults, (*types.StepResult).Clone),
		PullRequests: cloneMap(src.PullRequests, (*types.PullRequest).Clone),
		Branches:     cloneMap(src.Branches, (*types.Branch).Clone),
		SchemaVer:    src.SchemaVer,
		LastSeq:      src.LastSeq,
	}
}

func maxKey[K idKey, V any](m map[K]*V) int64 {
	var top int64
	for k := range m {
		if int64(k) > top {
			top = int64(k)
		}
	}
	return top
}
