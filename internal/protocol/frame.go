package protocol

// Frame 锁定帧，服务器每帧下发的一组有序指令
type Frame struct {
	FrameID  uint32    `json:"frame_id"`
	Commands []Command `json:"commands"`
}

// NewFrame 创建空帧
func NewFrame() *Frame {
	return &Frame{Commands: make([]Command, 0, 8)}
}

// Append 按到达顺序追加指令
func (f *Frame) Append(cmd Command) {
	f.Commands = append(f.Commands, cmd)
}

// Seal 取出当前内容并清空，之后追加的指令属于下一帧
func (f *Frame) Seal() []Command {
	cmds := f.Commands
	f.Commands = make([]Command, 0, cap(cmds))
	return cmds
}

// IsEmpty 帧内是否没有指令
func (f *Frame) IsEmpty() bool {
	return len(f.Commands) == 0
}

// Len 指令数量
func (f *Frame) Len() int {
	return len(f.Commands)
}
