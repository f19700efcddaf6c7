// 版权所有 2024 InferChat Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供统一的推理服务接入层类型定义，包括 Provider 抽象、
消息模型、生成参数与错误语义。

# 概述

本包屏蔽不同推理服务商在接口、鉴权、错误语义和流式协议上的差异，
对上层业务暴露一致的请求与响应模型。子包在此基础上提供具体能力：

  - llm/providers/huggingface：HuggingFace Inference API 的流式接入。
  - llm/cache：推理响应缓存（Redis + 内存降级）。
  - llm/context：有界会话上下文窗口。
  - llm/tokenizer：token 计数与用量估算。

# Provider 抽象

核心接口是 [Provider]，包含补全、流式输出与健康检查。
流式输出遵循协作式生产者-消费者契约：Stream 返回惰性、有限、
不可重放的片段序列，通过 ctx 取消中止。

# 错误语义

推理层失败使用 [Error] 类型，携带错误码、HTTP 状态与可重试标记。
缓存层失败不经由本类型传播，在缓存层内部降级消化。
*/
package llm
