// 版权所有 2024 InferChat Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供推理响应缓存，通过 Redis 与进程内降级后端协同
减少重复的推理调用，降低延迟与成本。

# 概述

相同的推理请求（模型 + 已裁剪消息窗口 + 生成参数完全一致）在
实际会话中频繁出现。本包以统一的 Backend 能力接口抽象两种可
互换的存储：RedisBackend（网络 KV，可能不可达）与 MemoryBackend
（有界进程内存储，只受容量约束、永不不可用）。

# 核心接口

  - Backend：缓存后端能力接口，定义 Get/Set/Delete/Clear 操作。
  - KeyStrategy：缓存键生成策略接口，HashKeyStrategy 为默认实现。
  - Manager：后端选择与降级管理，对外提供 Lookup/Store/Clear。

# 不可用与未命中

两者严格区分：键不存在或已过期统一表现为 ErrCacheMiss（预期内，
任何后端行为一致）；连接失败、超时、协议错误表现为
ErrBackendUnavailable。Manager 收到后者时就地降级到内存后端并
记录日志，调用方只会观察到未命中。降级默认单向，可通过
RetryInterval 配置周期探活回切。

# 使用方式

	mgr := cache.NewManager(cache.DefaultConfig(), logger)
	defer mgr.Close()

	if text, err := mgr.Lookup(ctx, req); err == nil {
		// 命中，直接重放 text
	}
	// 未命中：发起真实调用，完整成功后写回
	mgr.Store(ctx, req, fullText)
*/
package cache
