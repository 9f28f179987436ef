package prompts

// EmptyResponseFallback is the user-facing message returned when the
// model produces neither a tool call nor any response text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// MaxIterationsNotice is the user-facing message returned when a turn
// hits the iteration cap before the model produced a final answer.
const MaxIterationsNotice = "I reached the maximum number of reasoning steps for this request without finishing. You can ask me to continue or break the task into smaller pieces."
