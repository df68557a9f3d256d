// Package loader 从 CSV 装载收货档案和抢购任务。
// 坏行跳过并记入报告，不让一行脏数据拖垮整批任务。
package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"porter/internal/model"
)

var validate = validator.New()

// Report 装载结果：成功数量加上每条被拒绝行的原因。
type Report struct {
	Loaded   int
	Rejected []Rejection
}

type Rejection struct {
	Line   int
	Reason string
}

func (r *Report) reject(line int, format string, args ...any) {
	r.Rejected = append(r.Rejected, Rejection{Line: line, Reason: fmt.Sprintf(format, args...)})
}

// LoadProfiles 读 profiles.csv。列名见 header 常量，顺序无关。
// 同名档案后读的覆盖先读的。
func LoadProfiles(path string) (map[string]*model.Profile, Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Report{}, err
	}
	defer f.Close()
	return readProfiles(f)
}

func readProfiles(r io.Reader) (map[string]*model.Profile, Report, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, Report{}, err
	}

	var report Report
	profiles := make(map[string]*model.Profile)
	for i, row := range rows {
		line := i + 2 // 1 行表头
		get := func(col string) string { return field(header, row, col) }

		p := &model.Profile{
			Name:       get("profile_name"),
			Email:      get("email"),
			FirstName:  get("first_name"),
			LastName:   get("last_name"),
			Address1:   get("address1"),
			Address2:   get("address2"),
			City:       get("city"),
			State:      get("state"),
			ZipCode:    get("zip"),
			Country:    get("country"),
			Phone:      get("phone"),
			CardNumber: get("card_number"),
			CardExp:    get("card_exp"),
			CardCVV:    get("card_cvv"),
		}
		if err := validate.Struct(p); err != nil {
			report.reject(line, "档案 %q 校验失败: %v", p.Name, err)
			continue
		}
		profiles[p.Name] = p
		report.Loaded++
	}
	return profiles, report, nil
}

// LoadTasks 读 tasks.csv，档案按名字关联。缺 id 列时自动生成。
func LoadTasks(path string, profiles map[string]*model.Profile) ([]*model.Task, Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Report{}, err
	}
	defer f.Close()
	return readTasks(f, profiles)
}

func readTasks(r io.Reader, profiles map[string]*model.Profile) ([]*model.Task, Report, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, Report{}, err
	}

	var report Report
	var tasks []*model.Task
	for i, row := range rows {
		line := i + 2
		get := func(col string) string { return field(header, row, col) }

		itemID := get("product_id")
		if itemID == "" {
			report.reject(line, "缺少 product_id")
			continue
		}

		profileName := get("profile")
		profile, ok := profiles[profileName]
		if !ok {
			report.reject(line, "档案 %q 不存在", profileName)
			continue
		}

		priority, err := parsePriority(get("priority"))
		if err != nil {
			report.reject(line, "%v", err)
			continue
		}

		id := get("id")
		if id == "" {
			id = uuid.NewString()
		}
		group := get("proxy_group")
		if group == "" {
			group = "default"
		}

		tasks = append(tasks, &model.Task{
			ID:         id,
			ItemID:     itemID,
			Variant:    get("size"),
			Profile:    profile,
			ProxyGroup: group,
			Priority:   priority,
			Status:     model.StatusIdle,
			CreatedAt:  time.Now(),
		})
		report.Loaded++
	}
	return tasks, report, nil
}

func parsePriority(s string) (model.Priority, error) {
	switch s {
	case "", string(model.PriorityNormal):
		return model.PriorityNormal, nil
	case string(model.PriorityHigh):
		return model.PriorityHigh, nil
	case string(model.PriorityLow):
		return model.PriorityLow, nil
	default:
		return "", fmt.Errorf("未知优先级 %q", s)
	}
}

func readCSV(r io.Reader) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("CSV 为空")
	}

	header := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		header[col] = i
	}
	return records[1:], header, nil
}

func field(header map[string]int, row []string, col string) string {
	i, ok := header[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
