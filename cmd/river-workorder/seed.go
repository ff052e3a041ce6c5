package main

import (
	"context"
	"fmt"
	"os"

	"river-workorder/internal/capacity"
	"river-workorder/internal/domain"
	"river-workorder/internal/logger"
	"river-workorder/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// orgSeed 组织数据导入文件
//
//	areas:
//	  - {id: area-1, name: 西湖段, supervisor_id: u-sup}
//	users:
//	  - {id: w-1, name: 张三, role: worker, area_id: area-1}
//	capacity:
//	  - {worker_id: w-1, area_id: area-1, max_concurrent_orders: 3}
type orgSeed struct {
	Areas []struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		SupervisorID string `yaml:"supervisor_id"`
	} `yaml:"areas"`
	Users []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Role   string `yaml:"role"` // 角色名或 R00x 编码
		AreaID string `yaml:"area_id"`
		Status string `yaml:"status"`
	} `yaml:"users"`
	Capacity []struct {
		WorkerID            string `yaml:"worker_id"`
		AreaID              string `yaml:"area_id"`
		MaxConcurrentOrders int    `yaml:"max_concurrent_orders"`
		Unavailable         bool   `yaml:"unavailable"`
	} `yaml:"capacity"`
}

func readSeed(path string) (*orgSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	var s orgSeed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return &s, nil
}

// apply 写入区域、用户、名额；已存在的记录被覆盖，当前工作量保持不变
func (s *orgSeed) apply(ctx context.Context, dir *service.AreaDirectory, ledger *capacity.Ledger) error {
	for _, a := range s.Areas {
		if a.ID == "" {
			return fmt.Errorf("seed: area without id")
		}
		if err := dir.PutArea(ctx, &domain.Area{ID: a.ID, Name: a.Name, SupervisorID: a.SupervisorID}); err != nil {
			return err
		}
	}
	for _, u := range s.Users {
		role, ok := domain.ParseRole(u.Role)
		if !ok {
			return fmt.Errorf("seed: user %s has unknown role %q", u.ID, u.Role)
		}
		if err := dir.PutUser(ctx, &domain.User{ID: u.ID, Name: u.Name, Role: role, AreaID: u.AreaID, Status: u.Status}); err != nil {
			return err
		}
	}
	for _, c := range s.Capacity {
		if err := ledger.Register(ctx, &domain.CapacityEntry{
			WorkerID:            c.WorkerID,
			AreaID:              c.AreaID,
			MaxConcurrentOrders: c.MaxConcurrentOrders,
			IsAvailable:         !c.Unavailable,
		}); err != nil {
			return fmt.Errorf("seed: capacity %s/%s: %w", c.WorkerID, c.AreaID, err)
		}
	}
	return nil
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import areas, users and worker capacity from YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)
		if err != nil {
			return err
		}
		defer log.Sync()

		seed, err := readSeed(seedFile)
		if err != nil {
			return err
		}
		st, err := openStores(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		dir := service.NewAreaDirectory(st.org, cfg.Workflow.AreaCacheTTL)
		ledger := capacity.NewLedger(st.capacity, st.workorders, nil, log)
		if err := seed.apply(cmd.Context(), dir, ledger); err != nil {
			return err
		}
		log.Info("Seed applied",
			zap.Int("areas", len(seed.Areas)),
			zap.Int("users", len(seed.Users)),
			zap.Int("capacity", len(seed.Capacity)),
		)
		return nil
	},
}
