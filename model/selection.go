package model

import (
	"fmt"
	"strings"
)

// Point 工作分辨率下的像素坐标
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Label 提示点的语义类别
type Label int

const (
	Background Label = iota
	Foreground
)

func (l Label) String() string {
	if l == Foreground {
		return "foreground"
	}
	return "background"
}

// ModelValue 提示点在 SAM 接口中的取值（1 前景，0 背景）
func (l Label) ModelValue() int {
	if l == Foreground {
		return 1
	}
	return 0
}

func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "foreground", "fg", "1", "":
		return Foreground, nil
	case "background", "bg", "0":
		return Background, nil
	}
	return Background, fmt.Errorf("unknown label %q", s)
}

// Prompt 一个提示点及其标签
type Prompt struct {
	Point Point `json:"point"`
	Label Label `json:"label"`
}

// SelectMode 区域模式下点击的作用方式
type SelectMode int

const (
	Select SelectMode = iota
	Unselect
)

func (m SelectMode) String() string {
	if m == Unselect {
		return "unselect"
	}
	return "select"
}

func ParseSelectMode(s string) (SelectMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "select", "":
		return Select, nil
	case "unselect":
		return Unselect, nil
	}
	return Select, fmt.Errorf("unknown select mode %q", s)
}

// Region 自动分割得到的候选区域，生成后不可变
type Region struct {
	Mask           *Mask   `json:"-"`
	Area           int     `json:"area"`
	BoundingBox    BBox    `json:"bbox"`
	PredictedIOU   float64 `json:"predicted_iou"`
	StabilityScore float64 `json:"stability_score"`
}

// SelectionMode 会话的选区生成方式
type SelectionMode string

const (
	RegionMode SelectionMode = "region"
	PointMode  SelectionMode = "point"
)

// SessionState 会话状态机的状态
type SessionState string

const (
	StateEmpty     SessionState = "Empty"
	StateReady     SessionState = "Ready"
	StateSelecting SessionState = "Selecting"
)
