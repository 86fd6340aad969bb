package provider

import (
	"net/url"
	"strings"

	"genledger/internal/model"

	"github.com/tidwall/gjson"
)

// ============================================================================
// 供应商报文形状
// ============================================================================
//
// 三家供应商的任务接口形状一样（提交拿任务ID、按ID查状态、回调推结果），
// 但字段名各不相同，甚至同一家在不同版本里也会变。
// 每家用一个 ResultShape 描述"去哪里找"，按 Kind 区分；
// 已知路径都找不到模型地址时，统一走 fallback 搜索：
//
//   1. 按顺序查 genericURLPaths 里的常见字段名
//   2. 深度优先遍历整个报文，取第一个以模型扩展名结尾的 http(s) 字符串，.glb 优先
//
// 两步都找不到时 ResultURL 为空，由状态机按 MALFORMED_RESULT 处理。
//
// ============================================================================

type ShapeKind string

const (
	ShapeTripo ShapeKind = "tripo"
	ShapeMeshy ShapeKind = "meshy"
	ShapeRodin ShapeKind = "rodin"
)

// ResultShape 某家供应商的报文字段位置（gjson 路径，按优先级排列）
type ResultShape struct {
	Kind     ShapeKind
	JobID    []string
	Status   []string
	URL      []string
	Error    []string
	Statuses map[string]Status // 小写的供应商状态 -> 归一化状态
}

var genericURLPaths = []string{
	"model_url",
	"modelUrl",
	"result_url",
	"download_url",
	"glb_url",
	"result.model_url",
	"output.model_url",
	"data.model_url",
	"data.result.model_url",
}

var modelExtensions = []string{".glb", ".gltf", ".fbx", ".obj", ".usdz", ".stl"}

// JobIDOf 从报文里取任务ID
func (s *ResultShape) JobIDOf(doc gjson.Result) string {
	return firstString(doc, s.JobID)
}

// ResultOf 把报文归一化为 Result
func (s *ResultShape) ResultOf(doc gjson.Result) *Result {
	r := &Result{Status: s.statusOf(doc)}
	switch r.Status {
	case StatusSucceeded:
		r.ResultURL = s.URLOf(doc)
	case StatusFailed:
		r.ErrorMessage = firstString(doc, s.Error)
		if r.ErrorMessage == "" {
			r.ErrorMessage = "provider reported failure without a message"
		}
	}
	return r
}

func (s *ResultShape) statusOf(doc gjson.Result) Status {
	raw := strings.ToLower(firstString(doc, s.Status))
	if st, ok := s.Statuses[raw]; ok {
		return st
	}
	// 未知状态按进行中处理，交给巡检的硬上限兜底
	return StatusRunning
}

// URLOf 提取模型地址：已知路径 -> 常见字段 -> 全文搜索
func (s *ResultShape) URLOf(doc gjson.Result) string {
	for _, p := range s.URL {
		if v := doc.Get(p); v.Type == gjson.String && isHTTPURL(v.Str) {
			return v.Str
		}
	}
	for _, p := range genericURLPaths {
		if v := doc.Get(p); v.Type == gjson.String && isHTTPURL(v.Str) {
			return v.Str
		}
	}
	return searchModelURL(doc)
}

func searchModelURL(doc gjson.Result) string {
	var candidates []string
	walk(doc, func(v gjson.Result) {
		if v.Type == gjson.String && isHTTPURL(v.Str) && modelExtension(v.Str) != "" {
			candidates = append(candidates, v.Str)
		}
	})
	for _, c := range candidates {
		if modelExtension(c) == ".glb" {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

func walk(v gjson.Result, fn func(gjson.Result)) {
	if v.IsObject() || v.IsArray() {
		v.ForEach(func(_, child gjson.Result) bool {
			walk(child, fn)
			return true
		})
		return
	}
	fn(v)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

func modelExtension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := strings.ToLower(u.Path)
	for _, ext := range modelExtensions {
		if strings.HasSuffix(p, ext) {
			return ext
		}
	}
	return ""
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ============================================================================
// 供应商档案
// ============================================================================

// Profile 一家供应商的接口路径和报文形状
type Profile struct {
	Name       string
	SubmitPath string
	StatusPath string // 含一个 %s，替换为任务ID
	Shape      ResultShape
	BuildBody  func(spec *model.JobSpec, callbackURL string) map[string]interface{}
}

var TripoProfile = Profile{
	Name:       "tripo",
	SubmitPath: "/v2/openapi/task",
	StatusPath: "/v2/openapi/task/%s",
	Shape: ResultShape{
		Kind:   ShapeTripo,
		JobID:  []string{"data.task_id", "task_id"},
		Status: []string{"data.status", "status"},
		URL: []string{
			"data.output.pbr_model", "data.output.model", "data.output.base_model",
			"output.pbr_model", "output.model", "output.base_model",
		},
		Error: []string{"data.error_msg", "error_msg", "message"},
		Statuses: map[string]Status{
			"queued":    StatusQueued,
			"running":   StatusRunning,
			"success":   StatusSucceeded,
			"failed":    StatusFailed,
			"cancelled": StatusFailed,
			"banned":    StatusFailed,
			"expired":   StatusFailed,
		},
	},
	BuildBody: func(spec *model.JobSpec, callbackURL string) map[string]interface{} {
		body := map[string]interface{}{
			"type":    spec.Mode,
			"pbr":     spec.HasAddOn(model.AddOnPBR),
			"quad":    spec.HasAddOn(model.AddOnQuadMesh),
			"texture": true,
		}
		if spec.Prompt != "" {
			body["prompt"] = spec.Prompt
		}
		if spec.HasAddOn(model.AddOnHDTexture) {
			body["texture_quality"] = "detailed"
		}
		if spec.HasAddOn(model.AddOnHighPoly) {
			body["face_limit"] = 200000
		}
		switch spec.Mode {
		case model.ModeImageToModel:
			if len(spec.ImageURLs) > 0 {
				body["file"] = map[string]string{"type": "png", "url": spec.ImageURLs[0]}
			}
		case model.ModeMultiviewToModel:
			files := make([]map[string]string, 0, len(spec.ImageURLs))
			for _, u := range spec.ImageURLs {
				files = append(files, map[string]string{"type": "png", "url": u})
			}
			body["files"] = files
		}
		if callbackURL != "" {
			body["callback_url"] = callbackURL
		}
		return body
	},
}

var MeshyProfile = Profile{
	Name:       "meshy",
	SubmitPath: "/openapi/v2/tasks",
	StatusPath: "/openapi/v2/tasks/%s",
	Shape: ResultShape{
		Kind:   ShapeMeshy,
		JobID:  []string{"result", "id"},
		Status: []string{"status"},
		URL:    []string{"model_urls.glb", "model_urls.fbx", "model_urls.obj", "model_urls.usdz"},
		Error:  []string{"task_error.message"},
		Statuses: map[string]Status{
			"pending":     StatusQueued,
			"in_progress": StatusRunning,
			"succeeded":   StatusSucceeded,
			"failed":      StatusFailed,
			"expired":     StatusFailed,
			"canceled":    StatusFailed,
		},
	},
	BuildBody: func(spec *model.JobSpec, callbackURL string) map[string]interface{} {
		topology := "triangle"
		if spec.HasAddOn(model.AddOnQuadMesh) {
			topology = "quad"
		}
		polycount := 30000
		if spec.HasAddOn(model.AddOnHighPoly) {
			polycount = 100000
		}
		body := map[string]interface{}{
			"mode":             spec.Mode,
			"prompt":           spec.Prompt,
			"image_urls":       spec.ImageURLs,
			"topology":         topology,
			"target_polycount": polycount,
			"enable_pbr":       spec.HasAddOn(model.AddOnPBR),
			"hd_texture":       spec.HasAddOn(model.AddOnHDTexture),
		}
		if callbackURL != "" {
			body["webhook_url"] = callbackURL
		}
		return body
	},
}

var RodinProfile = Profile{
	Name:       "rodin",
	SubmitPath: "/api/v2/rodin",
	StatusPath: "/api/v2/task/%s",
	Shape: ResultShape{
		Kind:   ShapeRodin,
		JobID:  []string{"uuid", "task_uuid"},
		Status: []string{"status", "jobs.0.status"},
		URL:    []string{`list.#(name%"*.glb").url`, "list.0.url"},
		Error:  []string{"error", "message"},
		Statuses: map[string]Status{
			"waiting":    StatusQueued,
			"generating": StatusRunning,
			"done":       StatusSucceeded,
			"failed":     StatusFailed,
		},
	},
	BuildBody: func(spec *model.JobSpec, callbackURL string) map[string]interface{} {
		tier := "Regular"
		if spec.HasAddOn(model.AddOnHighPoly) {
			tier = "Detail"
		}
		material := "Shaded"
		if spec.HasAddOn(model.AddOnPBR) {
			material = "PBR"
		}
		meshMode := "Raw"
		if spec.HasAddOn(model.AddOnQuadMesh) {
			meshMode = "Quad"
		}
		body := map[string]interface{}{
			"prompt":        spec.Prompt,
			"images":        spec.ImageURLs,
			"tier":          tier,
			"material":      material,
			"mesh_mode":     meshMode,
			"geometry_file": "glb",
		}
		if spec.HasAddOn(model.AddOnHDTexture) {
			body["texture_resolution"] = "4K"
		}
		if callbackURL != "" {
			body["webhook"] = callbackURL
		}
		return body
	},
}

// Profiles 已知的供应商档案
var Profiles = map[string]*Profile{
	TripoProfile.Name: &TripoProfile,
	MeshyProfile.Name: &MeshyProfile,
	RodinProfile.Name: &RodinProfile,
}
