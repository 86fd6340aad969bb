package model

const (
	ModeTextToModel      = "text_to_model"
	ModeImageToModel     = "image_to_model"
	ModeMultiviewToModel = "multiview_to_model"
)

const (
	AddOnPBR       = "pbr"
	AddOnHDTexture = "hd_texture"
	AddOnQuadMesh  = "quad_mesh"
	AddOnHighPoly  = "high_poly"
)

// JobSpec 用户提交的生成参数，随 Generation 一起以 JSON 落库
type JobSpec struct {
	Mode      string   `json:"mode"`
	Provider  string   `json:"provider,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	AddOns    []string `json:"add_ons,omitempty"`
}

// HasAddOn 判断是否选择了某个附加项
func (s *JobSpec) HasAddOn(name string) bool {
	for _, a := range s.AddOns {
		if a == name {
			return true
		}
	}
	return false
}
