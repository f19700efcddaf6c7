// Copyright (c) InferChat Authors.
// Licensed under the MIT License.

/*
Package main 提供 InferChat 服务端程序入口。

# 概述

cmd/inferchat 是 InferChat 的可执行入口，对外暴露带缓存的
LLM 流式对话 API。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集以及 OpenTelemetry 链路追踪。

# 核心类型

  - Server           — 主服务器，组装缓存、会话注册表与 HTTP 路由
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 路由：/v1/chat/stream（SSE）、/v1/chat/ws（WebSocket）、
    /v1/sessions/{id}/reset、/v1/cache/clear、/healthz、/metrics
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    RateLimiter（基于 IP）、Metrics、OTelTracing
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭缓存 → 刷写遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
