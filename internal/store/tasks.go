package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"

	"gorm.io/gorm"
)

// CreateTask 创建一个批量采集任务（状态 pending）。
func (s *Store) CreateTask(ctx context.Context, name string, keywords []string) (*model.CrawlTask, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("keywords must not be empty")
	}

	encoded, err := json.Marshal(keywords)
	if err != nil {
		return nil, fmt.Errorf("encode keywords: %w", err)
	}

	task := &model.CrawlTask{
		Name:          name,
		Keywords:      string(encoded),
		Status:        model.TaskStatusPending,
		TotalKeywords: len(keywords),
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "create task", Err: err}
	}
	return task, nil
}

// GetTask 读取任务快照。
func (s *Store) GetTask(ctx context.Context, id uint) (*model.CrawlTask, error) {
	var task model.CrawlTask
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, &errs.PersistenceError{Op: "get task", Err: err}
	}
	return &task, nil
}

// TaskKeywords 解码任务的关键词序列。
func TaskKeywords(task *model.CrawlTask) ([]string, error) {
	var keywords []string
	if err := json.Unmarshal([]byte(task.Keywords), &keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	return keywords, nil
}

// MarkTaskRunning 把任务置为 running（pending 或 paused 可进入）。
func (s *Store) MarkTaskRunning(ctx context.Context, id uint) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Where("id = ? AND status IN ?", id, []string{model.TaskStatusPending, model.TaskStatusPaused}).
		Updates(map[string]interface{}{
			"status":     model.TaskStatusRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return &errs.PersistenceError{Op: "mark task running", Err: result.Error}
	}
	return nil
}

// FinishTask 把任务置为终态并写完成时间。
func (s *Store) FinishTask(ctx context.Context, id uint, status string) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
		}).Error; err != nil {
		return &errs.PersistenceError{Op: "finish task", Err: err}
	}
	return nil
}

// CancelTask 请求取消任务。pending/running/paused 都可取消；
// 已到终态的任务保持不变。返回是否发生了状态变更。
func (s *Store) CancelTask(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Where("id = ? AND status IN ?", id, []string{
			model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusPaused,
		}).
		Updates(map[string]interface{}{
			"status":       model.TaskStatusCancelled,
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return false, &errs.PersistenceError{Op: "cancel task", Err: result.Error}
	}
	return result.RowsAffected > 0, nil
}

// TaskStatus 只读取任务状态（调度器在挂起点之间轮询取消）。
func (s *Store) TaskStatus(ctx context.Context, id uint) (string, error) {
	var status string
	if err := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Select("status").
		Where("id = ?", id).
		Scan(&status).Error; err != nil {
		return "", &errs.PersistenceError{Op: "task status", Err: err}
	}
	return status, nil
}

// RecordKeywordSuccess 累加成功计数与写入行数。
func (s *Store) RecordKeywordSuccess(ctx context.Context, id uint, items int) error {
	if err := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_keywords": gorm.Expr("completed_keywords + 1"),
			"total_items":        gorm.Expr("total_items + ?", items),
		}).Error; err != nil {
		return &errs.PersistenceError{Op: "record keyword success", Err: err}
	}
	return nil
}

// RecordKeywordFailure 累加失败计数并记录最近错误。
func (s *Store) RecordKeywordFailure(ctx context.Context, id uint, cause string) error {
	if len(cause) > 500 {
		cause = cause[:500]
	}
	if err := s.db.WithContext(ctx).
		Model(&model.CrawlTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_keywords": gorm.Expr("failed_keywords + 1"),
			"last_error":      cause,
		}).Error; err != nil {
		return &errs.PersistenceError{Op: "record keyword failure", Err: err}
	}
	return nil
}
