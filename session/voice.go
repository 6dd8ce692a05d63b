package session

import (
	"context"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/backend"
	"lingzhi-trainer/model"
)

// VoiceReplier 把语音识别出的一句话作为用户消息发送，回复沿用文字模式的解码循环，
// 因此语音和文字轮次写入同一本账。
type VoiceReplier struct {
	manager *Manager
	cred    backend.Credential
	id      string
}

// Replier 返回绑定到指定会话的语音回复器
func (m *Manager) Replier(cred backend.Credential, id string) *VoiceReplier {
	return &VoiceReplier{manager: m, cred: cred, id: id}
}

// Reply 发送一句话并把回复更新逐个交给onUpdate，直到轮次结束或ctx被取消
func (r *VoiceReplier) Reply(ctx context.Context, utterance string, onUpdate func(assembler.Update)) error {
	return r.manager.Send(ctx, r.cred, r.id, utterance, onUpdate)
}

// Interrupt 截断进行中的回复
func (r *VoiceReplier) Interrupt() (model.Turn, bool) {
	return r.manager.Interrupt(r.id)
}
