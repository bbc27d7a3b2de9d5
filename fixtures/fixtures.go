package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

// ScaleKernel multiplies a float buffer in place by a scalar factor.
//
//go:embed kernels/scale.cl
var ScaleKernel string

//go:embed kernels/saxpy.cl
var SaxpyKernel string
