// 版权所有 2024 InferChat Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 chat 实现会话层的推理客户端：为每个会话维护独占的上下文
窗口，在真实调用前先查询响应缓存，并以统一的流式契约向消费者
交付输出。

# 请求状态机

	IDLE → CHECK_CACHE → REPLAY（命中）  → DONE
	                   → STREAMING（未命中）→ DONE | FAILED

命中时缓存文本被切片后合成重放，消费者无法也无需区分响应是否
真实发生过网络调用。未命中时片段即时转发、同时累积全文，只有
完整成功的响应才会写入缓存并追加 assistant 轮；失败与取消回滚
本轮 user 消息，保证窗口与缓存同请求开始前完全一致。

# 并发模型

同一会话同时只处理一个在途请求，第二个并发请求收到 ErrBusy。
跨会话共享的只有 cache.Manager，其并发安全由缓存层自行保证。
*/
package chat
