package gl

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// hiddenSurface owns a hidden GLFW window used solely to obtain a
// platform-appropriate wgpu.SurfaceDescriptor for an off-screen "pbuffer
// equivalent" main context (spec.md §4.2 create_main_context). It carries no
// input callbacks: the engine never presents to it, it only exists to host a
// surface wgpu can configure a swapchain-less render target against.
type hiddenSurface struct {
	window *glfw.Window
}

var glfwOnce sync.Once
var glfwInitErr error

func initGLFW() error {
	glfwOnce.Do(func() {
		runtime.LockOSThread()
		glfwInitErr = glfw.Init()
	})
	return glfwInitErr
}

// newHiddenSurface creates a 1x1 invisible GLFW window and returns the
// wgpu.SurfaceDescriptor the wgpu backend needs to create a Surface from it.
func newHiddenSurface() (*hiddenSurface, error) {
	if err := initGLFW(); err != nil {
		return nil, fmt.Errorf("gl: failed to initialize GLFW: %w", err)
	}

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Visible, glfw.False)

	win, err := glfw.CreateWindow(1, 1, "glinfer-offscreen", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("gl: failed to create hidden surface window: %w", err)
	}
	return &hiddenSurface{window: win}, nil
}

func (s *hiddenSurface) descriptor() *wgpu.SurfaceDescriptor {
	return wgpuglfw.GetSurfaceDescriptor(s.window)
}

func (s *hiddenSurface) destroy() {
	if s.window != nil {
		s.window.Destroy()
		s.window = nil
	}
}
