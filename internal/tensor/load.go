package tensor

import (
	"fmt"

	"github.com/samcharles93/sdvram/internal/safetensors"
)

// LoadSafetensorsMat loads the 2D tensor key from st and names it name.
func LoadSafetensorsMat(st *safetensors.File, key, name string) (*Mat, error) {
	data, info, err := st.ReadTensorF32(key)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2D tensor, got shape %v", key, info.Shape)
	}
	return NewMat(name, info.Shape[0], info.Shape[1], data)
}

// LoadSafetensorsVec loads the 1D tensor key from st.
func LoadSafetensorsVec(st *safetensors.File, key, name string) (*Vec, error) {
	data, info, err := st.ReadTensorF32(key)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor, got shape %v", key, info.Shape)
	}
	return NewVec(name, data), nil
}
