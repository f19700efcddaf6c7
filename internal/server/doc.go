// Package server 提供 HTTP 服务器生命周期管理与流式响应写出工具。
//
// Manager 负责监听、非阻塞启动与优雅关闭；SSE 与 WebSocket
// 写出器把推理响应片段编码到对应的传输通道上。
package server
