package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a scraping job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job 表示一个异步抓取任务的跟踪记录。
//
// ID 由队列后端分配；当结果直接命中缓存时使用合成的 cached-* 标识。
// 内存索引只是加速层，队列后端才是任务状态的权威来源。
type Job struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Product 是一条标准化后的商品抽取结果。
//
// 除 ID / Name / ScrapedAt 以外的字段都是可选的：抽取失败的字段保持为空，
// 绝不以零值冒充有效数据（例如价格缺失时 Price 为 nil 而非 0）。
type Product struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Price       *float64       `json:"price,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	URL         string         `json:"url,omitempty"`
	Category    string         `json:"category,omitempty"`
	Brand       string         `json:"brand,omitempty"`
	SKU         string         `json:"sku,omitempty"`
	InStock     *bool          `json:"inStock,omitempty"`
	Rating      *float64       `json:"rating,omitempty"`
	ReviewCount *int           `json:"reviewCount,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ScrapedAt   time.Time      `json:"scrapedAt"`
}

// Result 是一次抓取执行的完整结果。失败的 Result 商品列表恒为空。
type Result struct {
	Success       bool      `json:"success"`
	Products      []Product `json:"products"`
	TotalProducts int       `json:"totalProducts"`
	ScrapedAt     time.Time `json:"scrapedAt"`
	Duration      int64     `json:"duration"` // 毫秒
	Error         string    `json:"error,omitempty"`
}

// Failure builds a failed Result carrying the error message and an empty product list.
func Failure(err error, start time.Time) *Result {
	return &Result{
		Success:       false,
		Products:      []Product{},
		TotalProducts: 0,
		ScrapedAt:     time.Now(),
		Duration:      time.Since(start).Milliseconds(),
		Error:         err.Error(),
	}
}

// ScrapeRequest 是通用目录抓取请求。提交后不可变。
type ScrapeRequest struct {
	URL         string `json:"url,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	MaxProducts int    `json:"maxProducts,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // 毫秒
	Headless    *bool  `json:"headless,omitempty"`
	UseCache    *bool  `json:"useCache,omitempty"`
}

// RecommendationRequest 是基于客户标识（CPF）的个性化推荐抓取请求。
type RecommendationRequest struct {
	CPF               string   `json:"cpf"`
	URL               string   `json:"url,omitempty"`
	ScarabID          string   `json:"scarabId,omitempty"`
	RecommendLogic    string   `json:"recommendLogic,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	IncludeCategories []string `json:"includeCategories,omitempty"`
	ExcludeItems      []string `json:"excludeItems,omitempty"`
	Username          string   `json:"username,omitempty"`
	Password          string   `json:"password,omitempty"`
	Timeout           int      `json:"timeout,omitempty"` // 毫秒
	Headless          *bool    `json:"headless,omitempty"`
	UseCache          *bool    `json:"useCache,omitempty"`
}

var (
	cpfFormatRe = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$|^\d{11}$`)
	nonDigitRe  = regexp.MustCompile(`\D`)
)

// NormalizeCPF strips every non-digit character from a CPF so that
// "123.456.789-00" and "12345678900" collapse to the same 11-digit string.
func NormalizeCPF(cpf string) string {
	return nonDigitRe.ReplaceAllString(cpf, "")
}

// ValidCPF reports whether the CPF is in one of the two accepted formats.
func ValidCPF(cpf string) bool {
	return cpfFormatRe.MatchString(cpf)
}

// MaskCPF hides the leading digits of a CPF for log output.
func MaskCPF(cpf string) string {
	cleaned := NormalizeCPF(cpf)
	if len(cleaned) != 11 {
		return "***"
	}
	return fmt.Sprintf("***.***.%s-%s", cleaned[6:9], cleaned[9:])
}

// Validate enforces the request bounds before the job reaches the queue.
func (r *ScrapeRequest) Validate() error {
	if r.MaxProducts < 0 || r.MaxProducts > 1000 {
		return fmt.Errorf("maxProducts must be between 1 and 1000, or 0 for the default")
	}
	if r.Timeout != 0 && (r.Timeout < 5000 || r.Timeout > 300000) {
		return fmt.Errorf("timeout must be between 5000 and 300000 ms")
	}
	return nil
}

// Validate enforces the request bounds before the job reaches the queue.
// 归一化后的 CPF 必须是恰好 11 位数字。
func (r *RecommendationRequest) Validate() error {
	if strings.TrimSpace(r.CPF) == "" {
		return fmt.Errorf("cpf is required")
	}
	if !ValidCPF(r.CPF) || len(NormalizeCPF(r.CPF)) != 11 {
		return fmt.Errorf("cpf must be in format 123.456.789-00 or 12345678900")
	}
	if r.Limit < 0 || r.Limit > 100 {
		return fmt.Errorf("limit must be between 1 and 100, or 0 for the default")
	}
	if r.Timeout != 0 && (r.Timeout < 5000 || r.Timeout > 300000) {
		return fmt.Errorf("timeout must be between 5000 and 300000 ms")
	}
	return nil
}
