// Package model 包含了应用的数据模型定义。
package model

import "encoding/json"

// 助手评估等级常量。
const (
	AssessmentGood    = "good"
	AssessmentWarning = "warning"
	AssessmentBad     = "bad"
)

// AnalysisResult 是后端旧版的扁平分析结果负载。
// 入库前会被重排为单条 markdown 文本。
type AnalysisResult struct {
	Summary         string   `json:"summary"`
	Assessment      string   `json:"assessment"` // good / warning / bad
	Explanation     string   `json:"explanation"`
	PotentialIssues []string `json:"potential_issues"`
	Recommendations []string `json:"recommendations"`
}

// ContentBlock 是结构化结果中的一个类型化内容块。
type ContentBlock struct {
	Type    string          `json:"type"` // "text" 或 "chart"
	Content string          `json:"content,omitempty"`
	Chart   json.RawMessage `json:"chart,omitempty"`
}

// BlocksResult 是后端新版的结构化结果负载：
// 有序的内容块序列，外加可选的评估标签与图像来源元数据。
// 该负载原样序列化后存入助手消息，由前端自行解释。
type BlocksResult struct {
	Blocks     []ContentBlock `json:"blocks"`
	Assessment string         `json:"assessment,omitempty"`
	ImagesSent []string       `json:"images_sent,omitempty"`
}
