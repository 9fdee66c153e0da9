package devserver

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"boardsync/domain"
	"boardsync/wire"
)

// TableMirror persists the repo's tasks to Azure Table Storage so a dev
// server restart keeps its board. Tasks are stored one entity per task,
// partitioned by workspace, with the wire representation as payload.
type TableMirror struct {
	table *aztables.Client
}

// NewTableMirror connects to the tasks table behind the connection string.
func NewTableMirror(connStr, tableName string) (*TableMirror, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableMirror{table: svc.NewClient(tableName)}, nil
}

type taskEntity struct {
	aztables.Entity
	Payload string `json:"Payload"`
}

// Save upserts a task entity.
func (m *TableMirror) Save(ctx context.Context, workspaceID string, task domain.Task) error {
	payload, err := wire.EncodeTask(task)
	if err != nil {
		return err
	}
	ent := taskEntity{
		Entity:  aztables.Entity{PartitionKey: workspaceID, RowKey: task.ID},
		Payload: string(payload),
	}
	data, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = m.table.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Delete removes a task entity. Missing entities are not an error.
func (m *TableMirror) Delete(ctx context.Context, workspaceID, taskID string) error {
	_, err := m.table.DeleteEntity(ctx, workspaceID, taskID, nil)
	var respErr *azcore.ResponseError
	if err != nil && errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return nil
	}
	return err
}

// LoadWorkspace reads all task entities of a workspace, for warm-starting
// the repo on boot.
func (m *TableMirror) LoadWorkspace(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + workspaceID + "'"
	pager := m.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var tasks []domain.Task
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			task, err := wire.DecodeTask([]byte(ent.Payload))
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}
